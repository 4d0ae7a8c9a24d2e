package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"gbrestreamer/gateway/backend/store"
)

func pageFromQuery(r *http.Request) store.PageRequest {
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	limit, _ := strconv.Atoi(q.Get("limit"))
	return store.PageRequest{Page: page, Limit: limit, Kind: strings.TrimSpace(q.Get("kind"))}
}
