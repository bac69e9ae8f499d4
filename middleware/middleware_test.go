package middleware

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"chanrpc/observability"
	"chanrpc/protocol"
)

// fakeCall 模拟一次调用，只记录 Close 的状态码
type fakeCall struct {
	ctx    context.Context
	method string
	closed bool
	status protocol.Status
}

func newCall(method string) *fakeCall {
	return &fakeCall{ctx: context.Background(), method: method}
}

func (c *fakeCall) Context() context.Context { return c.ctx }
func (c *fakeCall) Txid() uint32             { return 7 }
func (c *fakeCall) Ordinal() uint64          { return 0x1234 }
func (c *fakeCall) Method() string           { return c.method }
func (c *fakeCall) BindingID() string        { return "binding-1" }
func (c *fakeCall) Closed() bool             { return c.closed }

func (c *fakeCall) Close(status protocol.Status) error {
	c.closed = true
	c.status = status
	return nil
}

// 模拟一个简单的 handler：什么都不做
func okHandler(Call) {}

func TestChainOrder(t *testing.T) {
	var trace []string
	record := func(name string) Middleware {
		return func(next HandlerFunc) HandlerFunc {
			return func(call Call) {
				trace = append(trace, name+".before")
				next(call)
				trace = append(trace, name+".after")
			}
		}
	}
	handler := Chain(record("A"), record("B"))(func(Call) { trace = append(trace, "handler") })
	handler(newCall("Echo"))

	want := "A.before B.before handler B.after A.after"
	if got := strings.Join(trace, " "); got != want {
		t.Fatalf("expect %q, got %q", want, got)
	}
}

func TestLogging(t *testing.T) {
	var buf bytes.Buffer
	log := zerolog.New(&buf).Level(zerolog.DebugLevel)
	handler := LoggingMiddleware(log)(okHandler)
	handler(newCall("Echo"))

	out := buf.String()
	if !strings.Contains(out, `"method":"Echo"`) || !strings.Contains(out, `"txid":7`) {
		t.Fatalf("expect method and txid in log line, got %s", out)
	}
	if !strings.Contains(out, `"level":"debug"`) {
		t.Fatalf("expect debug level for a normal call, got %s", out)
	}
}

func TestLoggingClosedCallWarns(t *testing.T) {
	var buf bytes.Buffer
	log := zerolog.New(&buf).Level(zerolog.DebugLevel)
	handler := LoggingMiddleware(log)(func(call Call) { call.Close(protocol.StatusInternal) })
	handler(newCall("Echo"))

	if !strings.Contains(buf.String(), `"level":"warn"`) {
		t.Fatalf("expect warn level for a closed call, got %s", buf.String())
	}
}

func TestRateLimit(t *testing.T) {
	// 每秒 1 个令牌，突发 2：前两个立即通过
	handler := RateLimitMiddleware(1, 2)(okHandler)
	for i := 0; i < 2; i++ {
		call := newCall("Echo")
		handler(call)
		if call.closed {
			t.Fatalf("request %d should pass, closed with %v", i, call.status)
		}
	}

	// 第三个请求的期限早于下一个令牌，应以 SHOULD_WAIT 关闭
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	call := newCall("Echo")
	call.ctx = ctx
	handler(call)
	if !call.closed || call.status != protocol.StatusShouldWait {
		t.Fatalf("expect SHOULD_WAIT close, got closed=%v status=%v", call.closed, call.status)
	}
}

func TestRecover(t *testing.T) {
	handler := RecoverMiddleware(zerolog.Nop())(func(Call) { panic("boom") })
	call := newCall("Echo")
	handler(call)
	if !call.closed || call.status != protocol.StatusInternal {
		t.Fatalf("expect INTERNAL close after panic, got closed=%v status=%v", call.closed, call.status)
	}
}

func TestRecoverKeepsEarlierClose(t *testing.T) {
	handler := RecoverMiddleware(zerolog.Nop())(func(call Call) {
		call.Close(protocol.StatusAccessDenied)
		panic("after close")
	})
	call := newCall("Echo")
	handler(call)
	if call.status != protocol.StatusAccessDenied {
		t.Fatalf("expect ACCESS_DENIED kept, got %v", call.status)
	}
}

func TestMetrics(t *testing.T) {
	counter := observability.DispatchCounter("metrics-test", "ok")
	before := testutil.ToFloat64(counter)
	MetricsMiddleware()(okHandler)(newCall("metrics-test"))
	if got := testutil.ToFloat64(counter); got != before+1 {
		t.Fatalf("expect counter %v, got %v", before+1, got)
	}
}
