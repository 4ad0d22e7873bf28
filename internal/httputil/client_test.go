package httputil

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"
)

func post(t *testing.T, c HTTPClient, url, body string) (*http.Response, error) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("X-Batch-ID", "b1")
	return c.Do(req)
}

func TestNewStandardClient(t *testing.T) {
	c := NewStandardClient(3 * time.Second)
	if c.Timeout != 3*time.Second {
		t.Errorf("timeout = %s", c.Timeout)
	}
	var _ HTTPClient = c
}

func TestMockHTTPClient_ReplaysInOrder(t *testing.T) {
	mock := NewMockHTTPClient()
	mock.AddResponse(http.StatusServiceUnavailable, "busy").AddResponse(http.StatusOK, "done")

	resp, err := post(t, mock, "http://example.com/upload_chunk", "1 2 3\n")
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("first status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp, _ = post(t, mock, "http://example.com/upload_chunk", "4 5 6\n")
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(body) != "done" {
		t.Errorf("second body = %q", body)
	}

	// Exhausted queue answers ok.
	resp, _ = post(t, mock, "http://example.com/upload_chunk", "")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("default status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	reqs := mock.Requests()
	if len(reqs) != 3 || mock.RequestCount() != 3 {
		t.Fatalf("got %d requests, want 3", len(reqs))
	}
	if reqs[1].Body != "4 5 6\n" || reqs[1].Header.Get("X-Batch-ID") != "b1" || reqs[1].Method != http.MethodPost {
		t.Errorf("recorded request = %+v", reqs[1])
	}
}

func TestMockHTTPClient_ErrorResponse(t *testing.T) {
	mock := NewMockHTTPClient()
	want := errors.New("connection refused")
	mock.AddErrorResponse(want)

	if _, err := post(t, mock, "http://example.com", "x"); err != want {
		t.Errorf("got error %v, want %v", err, want)
	}
	if mock.RequestCount() != 1 {
		t.Errorf("failed requests should still be recorded")
	}
}

func TestMockHTTPClient_DoFunc(t *testing.T) {
	mock := NewMockHTTPClient()
	mock.DoFunc = func(req *http.Request) (*http.Response, error) {
		return &http.Response{
			StatusCode: http.StatusTeapot,
			Body:       io.NopCloser(strings.NewReader("custom")),
			Request:    req,
		}, nil
	}

	resp, _ := post(t, mock, "http://example.com", "")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusTeapot {
		t.Errorf("got status %d, want %d", resp.StatusCode, http.StatusTeapot)
	}
}
