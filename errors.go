package snapcache

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	ErrParentNotFound    = errors.New("parent node not found")
	ErrMalformedDocument = errors.New("malformed document")
	ErrRelinkMismatch    = errors.New("relink child set does not match current children")
	ErrNoSource          = errors.New("store needs a rebuild but no content source is configured")
	ErrStoreClosed       = errors.New("store closed")

	errReadOnlyTx = errors.New("write in a read-only transaction")
)

type DataError struct {
	Data []byte
	Off  int
	Err  error
	Msg  string
}

func dataErrf(data []byte, off int, err error, format string, args ...any) error {
	return &DataError{data, off, err, fmt.Sprintf(format, args...)}
}

func (e *DataError) Unwrap() error {
	return e.Err
}

func (e *DataError) Error() string {
	const prefixLen = 64
	const suffixLen = 32
	n := len(e.Data)
	if n <= prefixLen+suffixLen {
		if e.Err != nil {
			return fmt.Sprintf("%s at %d: %v: (%d) %x", e.Msg, e.Off, e.Err, n, e.Data)
		} else {
			return fmt.Sprintf("%s at %d: (%d) %x", e.Msg, e.Off, n, e.Data)
		}
	} else {
		p, s := e.Data[:prefixLen], e.Data[n-suffixLen:]
		if e.Err != nil {
			return fmt.Sprintf("%s at %d: %v: (%d) %x...%x", e.Msg, e.Off, e.Err, n, p, s)
		} else {
			return fmt.Sprintf("%s at %d: (%d) %x...%x", e.Msg, e.Off, n, p, s)
		}
	}
}

// StoreError reports a failed store operation. ID is 0 for operations that
// are not tied to a single document.
type StoreError struct {
	Op  string
	ID  int
	Err error
}

func storeErr(op string, id int, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{op, id, err}
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

func (e *StoreError) Error() string {
	var buf strings.Builder
	buf.WriteString("store ")
	buf.WriteString(e.Op)
	if e.ID != 0 {
		buf.WriteByte('/')
		buf.WriteString(strconv.Itoa(e.ID))
	}
	if e.Err != nil {
		buf.WriteString(": ")
		buf.WriteString(e.Err.Error())
	}
	return buf.String()
}

// KitError describes why a content node kit was rejected.
type KitError struct {
	ID  int
	Msg string
	Err error
}

func kitErrf(id int, err error, format string, args ...any) error {
	return &KitError{id, fmt.Sprintf(format, args...), err}
}

func (e *KitError) Unwrap() error {
	return e.Err
}

func (e *KitError) Error() string {
	var buf strings.Builder
	buf.WriteString("kit ")
	buf.WriteString(strconv.Itoa(e.ID))
	if e.Msg != "" {
		buf.WriteString(": ")
		buf.WriteString(e.Msg)
	}
	if e.Err != nil {
		buf.WriteString(": ")
		buf.WriteString(e.Err.Error())
	}
	return buf.String()
}

func errorf(err error, format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}
