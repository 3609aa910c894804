package status

import (
    "context"
    "net/http"
    "net/http/httptest"
    "sync/atomic"
    "testing"
    "time"

    "github.com/stretchr/testify/assert"
)

func TestReduce(t *testing.T) {
    order := []string{"a", "b", "c"}
    tests := []struct {
        name  string
        codes map[string]int
        code  int
        color string
    }{
        {"all zero", map[string]int{"a": 0, "b": 0, "c": 0}, 0, Green},
        {"last non-zero", map[string]int{"a": 0, "b": 0, "c": 3}, 3, Amber},
        {"first wins", map[string]int{"a": 12, "b": 3}, 12, Red},
        {"missing skipped", map[string]int{"c": 4}, 4, Amber},
        {"unordered ignored", map[string]int{"z": 40}, 0, Green},
    }
    for _, tt := range tests {
        t.Run(tt.name, func(t *testing.T) {
            code, color := Reduce(order, tt.codes)
            assert.Equal(t, tt.code, code)
            assert.Equal(t, tt.color, color)
        })
    }
}

func TestColor(t *testing.T) {
    assert.Equal(t, Green, Color(0))
    assert.Equal(t, Amber, Color(1))
    assert.Equal(t, Amber, Color(9))
    assert.Equal(t, Red, Color(10))
}

func TestAggregator_RunsInParallelCoreLast(t *testing.T) {
    var running, peak int32
    slow := func(name string, code int) Check {
        return CheckFunc{Service: name, Fn: func(context.Context) int {
            n := atomic.AddInt32(&running, 1)
            for {
                p := atomic.LoadInt32(&peak)
                if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) { break }
            }
            time.Sleep(30 * time.Millisecond)
            atomic.AddInt32(&running, -1)
            return code
        }}
    }
    a := NewAggregator(nil, slow(CoreService, 5), slow("db", 0), slow("broker", 2), slow(CoreService, 99))
    assert.Equal(t, []string{"db", "broker", CoreService}, a.Order())

    codes, code, color := a.Consolidate(context.Background())
    assert.Equal(t, map[string]int{"db": 0, "broker": 2, CoreService: 5}, codes)
    assert.Equal(t, 2, code)
    assert.Equal(t, Amber, color)
    assert.Greater(t, atomic.LoadInt32(&peak), int32(1))
}

func TestHTTPCheck(t *testing.T) {
    ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) }))
    defer ok.Close()
    bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusServiceUnavailable) }))
    defer bad.Close()

    assert.Equal(t, 0, HTTPCheck{Service: "ok", URL: ok.URL}.Check(context.Background()))
    assert.Equal(t, 1, HTTPCheck{Service: "bad", URL: bad.URL}.Check(context.Background()))
    assert.Equal(t, 1, HTTPCheck{Service: "down", URL: "http://127.0.0.1:1", Timeout: 200 * time.Millisecond}.Check(context.Background()))
}
