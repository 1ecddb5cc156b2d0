package main

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/andreyvit/snapcache"
	"github.com/andreyvit/snapcache/exportfile"
)

const ndjsonContentType = "application/x-ndjson"

func newServeMux(c *snapcache.Cache, reg *prometheus.Registry) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok\n"))
	})
	mux.HandleFunc("GET /content/{id}", func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}
		kit, found := c.Get(id)
		if !found {
			http.NotFound(w, r)
			return
		}
		writeKits(w, []*snapcache.ContentNodeKit{kit})
	})
	mux.HandleFunc("GET /content/{id}/children", func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}
		snap := c.Snapshot()
		if id != snapcache.RootID {
			if _, found := snap.Get(id); !found {
				http.NotFound(w, r)
				return
			}
		}
		var kits []*snapcache.ContentNodeKit
		for kit := range snap.Children(id) {
			kits = append(kits, kit)
		}
		writeKits(w, kits)
	})
	return mux
}

func pathID(w http.ResponseWriter, r *http.Request) (int, bool) {
	id, err := strconv.Atoi(r.PathValue("id"))
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

// writeKits keeps sibling order, unlike exportfile.WriteAll.
func writeKits(w http.ResponseWriter, kits []*snapcache.ContentNodeKit) {
	w.Header().Set("Content-Type", ndjsonContentType)
	ew := exportfile.NewWriter(w)
	for _, kit := range kits {
		if err := ew.Write(kit); err != nil {
			break
		}
	}
	ew.Flush()
}
