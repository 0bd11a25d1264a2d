package rest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
)

func TestCreateCall(t *testing.T) {
	t.Parallel()

	var gotPath string
	var gotForm url.Values
	var gotUser, gotPass string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotUser, gotPass, _ = r.BasicAuth()
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		gotForm = r.PostForm
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"sid":"CA123","status":"queued","to":"+15550100002","from":"+15550100001"}`))
	}))
	t.Cleanup(srv.Close)

	c := New("AC0000", "token", WithBaseURL(srv.URL))
	call, err := c.CreateCall(context.Background(), CallParams{
		To:             "+15550100002",
		From:           "+15550100001",
		URL:            "https://bridge.example.com/incoming-call",
		StatusCallback: "https://bridge.example.com/call-status",
	})
	if err != nil {
		t.Fatalf("CreateCall: %v", err)
	}

	if call.SID != "CA123" || call.Status != "queued" {
		t.Errorf("call = %+v", call)
	}
	if want := "/2010-04-01/Accounts/AC0000/Calls.json"; gotPath != want {
		t.Errorf("path = %q, want %q", gotPath, want)
	}
	if gotUser != "AC0000" || gotPass != "token" {
		t.Errorf("basic auth = %q / %q", gotUser, gotPass)
	}
	for key, want := range map[string]string{
		"To":             "+15550100002",
		"From":           "+15550100001",
		"Url":            "https://bridge.example.com/incoming-call",
		"StatusCallback": "https://bridge.example.com/call-status",
	} {
		if got := gotForm.Get(key); got != want {
			t.Errorf("form %s = %q, want %q", key, got, want)
		}
	}
}

func TestCreateCall_OmitsEmptyStatusCallback(t *testing.T) {
	t.Parallel()

	var gotForm url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		gotForm = r.PostForm
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"sid":"CA123","status":"queued"}`))
	}))
	t.Cleanup(srv.Close)

	c := New("AC0000", "token", WithBaseURL(srv.URL))
	if _, err := c.CreateCall(context.Background(), CallParams{To: "+1", From: "+2", URL: "https://h/cb"}); err != nil {
		t.Fatalf("CreateCall: %v", err)
	}
	if _, present := gotForm["StatusCallback"]; present {
		t.Error("StatusCallback sent despite being empty")
	}
}

func TestCreateCall_APIError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"code":21211,"message":"Invalid 'To' Phone Number"}`, http.StatusBadRequest)
	}))
	t.Cleanup(srv.Close)

	c := New("AC0000", "token", WithBaseURL(srv.URL))
	_, err := c.CreateCall(context.Background(), CallParams{To: "bogus", From: "+2", URL: "https://h/cb"})
	if err == nil {
		t.Fatal("CreateCall succeeded with 400")
	}
	if !strings.Contains(err.Error(), "status 400") || !strings.Contains(err.Error(), "21211") {
		t.Errorf("err = %v, want status and body snippet", err)
	}
}
