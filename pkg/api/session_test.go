package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/require"
)

func fastSession(t *testing.T, url string, opts ...Option) *Session {
	opts = append([]Option{WithBackoff(time.Millisecond, 5*time.Millisecond)}, opts...)
	s, err := NewSession(url, "secret", opts...)
	require.NoError(t, err)
	return s
}

func TestSessionRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(PreemptionSignalResponse{Preempt: true})
	}))
	defer srv.Close()

	preempt, err := fastSession(t, srv.URL).PreemptionSignal(context.Background(), "a.1", time.Second)
	require.NoError(t, err)
	require.True(t, preempt)
	require.Equal(t, int32(3), calls.Load())
}

func TestSessionClientErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "no such trial", http.StatusNotFound)
	}))
	defer srv.Close()

	err := fastSession(t, srv.URL).ReportTrialProgress(context.Background(), 3, 0.5)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.True(t, apiErr.IsNotFound())
	require.Equal(t, "no such trial", apiErr.Message)
	require.Equal(t, int32(1), calls.Load())
}

func TestSessionExhaustsRetries(t *testing.T) {
	transport := httpmock.NewMockTransport()
	transport.RegisterResponder(http.MethodPost, "http://master:8080/api/v1/trials/1/early_exit",
		httpmock.NewErrorResponder(errors.New("connection refused")))

	s := fastSession(t, "http://master:8080",
		WithHTTPClient(&http.Client{Transport: transport}), WithMaxRetries(3))
	err := s.ReportEarlyExit(context.Background(), 1, ExitedReasonInvalidHP)

	var fatal *FatalConnectivityError
	require.ErrorAs(t, err, &fatal)
	require.Equal(t, 4, fatal.Attempts)
	var transient *TransientNetworkError
	require.ErrorAs(t, err, &transient)
	require.Equal(t, 4, transient.Attempt)
	require.Equal(t, 4, transport.GetTotalCallCount())
}

func TestSessionStopsOnCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	s := fastSession(t, srv.URL, WithBackoff(50*time.Millisecond, time.Second), WithMaxRetries(100))
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	err := s.AckPreemption(ctx, "a.1")
	require.ErrorIs(t, err, context.Canceled)
}

func TestSessionDecodesBodies(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/allocations/a.1/all_gather", r.URL.Path)
		var req AllGatherRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, 2, req.NumPeers)
		_ = json.NewEncoder(w).Encode(AllGatherResponse{Data: []json.RawMessage{req.Data, req.Data}})
	}))
	defer srv.Close()

	resp, err := fastSession(t, srv.URL).AllGather(context.Background(), "a.1", AllGatherRequest{
		RequestUUID: "u", NumPeers: 2, Data: json.RawMessage(`{"x":1}`),
	})
	require.NoError(t, err)
	require.Len(t, resp.Data, 2)
	require.JSONEq(t, `{"x":1}`, string(resp.Data[1]))
}

func TestNewSessionValidation(t *testing.T) {
	_, err := NewSession("master:8080", "")
	require.Error(t, err)
	_, err = NewSession("http://master:8080", "", WithBackoff(time.Second, time.Millisecond))
	require.Error(t, err)
	_, err = NewSession("http://master:8080", "", WithCert("/does/not/exist.pem", ""))
	require.ErrorContains(t, err, "reading master certificate")
}
