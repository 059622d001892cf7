package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestAdminClientSiteOp(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/sites/shop/start":
			_, _ = w.Write([]byte(`{"ok":true}`))
		case "/sites/nope/start":
			w.WriteHeader(http.StatusConflict)
			_, _ = w.Write([]byte(`{"reason":"unknown site"}`))
		default:
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"error":"boom"}`))
		}
	}))
	defer srv.Close()
	c := &adminClient{base: srv.URL, http: srv.Client()}
	ctx := context.Background()

	if err := c.SiteOp(ctx, "start", "shop"); err != nil {
		t.Errorf("SiteOp(shop) error = %v", err)
	}
	err := c.SiteOp(ctx, "start", "nope")
	if !errors.Is(err, errRejected) || !strings.Contains(err.Error(), "unknown site") {
		t.Errorf("SiteOp(nope) error = %v, want rejection with reason", err)
	}
	if err := c.SiteOp(ctx, "stop", "shop"); err == nil || errors.Is(err, errRejected) {
		t.Errorf("SiteOp on server error = %v", err)
	}
}

func TestAdminClientReconcile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/reconcile" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"queued":true}`))
	}))
	defer srv.Close()

	queued, err := (&adminClient{base: srv.URL, http: srv.Client()}).Reconcile(context.Background())
	if err != nil || !queued {
		t.Errorf("Reconcile() = %v, %v, want true, nil", queued, err)
	}
}

func TestAdminClientUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL
	srv.Close()

	if _, err := (&adminClient{base: base, http: http.DefaultClient}).Reconcile(context.Background()); err == nil {
		t.Error("Reconcile() against a closed server should fail")
	}
}
