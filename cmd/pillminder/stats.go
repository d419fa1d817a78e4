package main

import (
	"fmt"
	"net/http"
	"sort"
	"strings"

	"pillminder/localnotify"

	"go.opencensus.io/stats/view"
)

// statsHandler dumps the current value of every facility and API view.
type statsHandler struct{}

var apiViewNames = []string{"api_requests", "api_request_latency"}

func (h *statsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	names := append([]string{}, apiViewNames...)
	for _, v := range localnotify.Views {
		names = append(names, v.Name)
	}
	sort.Strings(names)

	sb := &strings.Builder{}
	for _, name := range names {
		rows, err := view.RetrieveData(name)
		if err != nil {
			fmt.Fprintf(sb, "%s: %v\n", name, err)
			continue
		}
		for _, row := range rows {
			tags := make([]string, 0, len(row.Tags))
			for _, t := range row.Tags {
				tags = append(tags, t.Key.Name()+"="+t.Value)
			}
			fmt.Fprintf(sb, "%s{%s} %v\n", name, strings.Join(tags, ","), row.Data)
		}
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte(sb.String()))
}
