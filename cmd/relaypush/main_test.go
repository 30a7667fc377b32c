package main

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun(t *testing.T) {
	var lastForm map[string]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		lastForm = map[string]string{
			"source":  r.PostForm.Get("source"),
			"title":   r.PostForm.Get("title"),
			"message": r.PostForm.Get("message"),
			"url":     r.PostForm.Get("url"),
		}
		w.Header().Set("Content-Type", "application/json")
		if r.PostForm.Get("source") == "bad" {
			_, _ = io.WriteString(w, `{"messages":0,"error":"no source with key bad"}`)
			return
		}
		if r.PostForm.Get("source") == "partial" {
			_, _ = io.WriteString(w, `{"messages":1,"results":[{"message_id":"m1","source_key":"partial","delivered":1,"failures":1}]}`)
			return
		}
		_, _ = io.WriteString(w, `{"messages":1}`)
	}))
	defer server.Close()

	t.Run("Success - message from flag", func(t *testing.T) {
		var stdout, stderr bytes.Buffer
		code := run([]string{"-s", "k1", "-t", "Hi", "-m", "there", "-u", "https://x", "-backend", server.URL}, strings.NewReader(""), &stdout, &stderr)
		assert.Equal(t, 0, code)
		assert.Equal(t, map[string]string{"source": "k1", "title": "Hi", "message": "there", "url": "https://x"}, lastForm)
		assert.Contains(t, stdout.String(), "sent 1")
	})

	t.Run("Success - message from stdin", func(t *testing.T) {
		var stdout, stderr bytes.Buffer
		code := run([]string{"-s", "k1", "-t", "Hi", "-m", "-", "-backend", server.URL}, strings.NewReader("piped body\n"), &stdout, &stderr)
		assert.Equal(t, 0, code)
		assert.Equal(t, "piped body", lastForm["message"])
	})

	t.Run("Success - stored message with a failed device", func(t *testing.T) {
		var stdout, stderr bytes.Buffer
		code := run([]string{"-s", "partial", "-t", "Hi", "-backend", server.URL}, strings.NewReader(""), &stdout, &stderr)
		assert.Equal(t, 0, code)
		assert.Contains(t, stdout.String(), "sent 1")
	})

	t.Run("Relay error exits 2", func(t *testing.T) {
		var stdout, stderr bytes.Buffer
		code := run([]string{"-s", "bad", "-t", "Hi", "-backend", server.URL}, strings.NewReader(""), &stdout, &stderr)
		assert.Equal(t, 2, code)
		assert.Contains(t, stderr.String(), "no source with key bad")
	})

	t.Run("Unreachable relay exits 1", func(t *testing.T) {
		var stdout, stderr bytes.Buffer
		code := run([]string{"-s", "k1", "-t", "Hi", "-backend", "http://127.0.0.1:1"}, strings.NewReader(""), &stdout, &stderr)
		assert.Equal(t, 1, code)
	})

	t.Run("Missing flags exit 2", func(t *testing.T) {
		var stdout, stderr bytes.Buffer
		code := run([]string{"-t", "Hi"}, strings.NewReader(""), &stdout, &stderr)
		assert.Equal(t, 2, code)
	})
}
