package server_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"chanrpc/client"
	"chanrpc/echo"
	"chanrpc/loadbalance"
	"chanrpc/middleware"
	"chanrpc/observability"
	"chanrpc/protocol"
	"chanrpc/registry"
	"chanrpc/server"
	"chanrpc/transport"
)

// startServer serves impl on a fresh listener of network and advertises it
// in reg.
func startServer(t testing.TB, network string, reg registry.Registry, impl echo.Echo, mws ...middleware.Middleware) (*server.Server, string) {
	t.Helper()
	addr := "127.0.0.1:0"
	if network == transport.NetworkUnix {
		addr = filepath.Join(t.TempDir(), "echo.sock")
	}
	ln, err := transport.Listen(network, addr)
	if err != nil {
		t.Fatalf("listen %s: %v", network, err)
	}
	svr := server.NewServer(server.Options{})
	for _, mw := range mws {
		svr.Use(mw)
	}
	if err := svr.Register(echo.ServiceName, impl, echo.Table); err != nil {
		t.Fatal(err)
	}
	go svr.Serve(context.Background(), ln)

	if reg != nil {
		inst := registry.ServiceInstance{Addr: ln.Addr().String(), Network: network, Weight: 10}
		if err := svr.Advertise(context.Background(), reg, inst, 10); err != nil {
			t.Fatal(err)
		}
	}
	t.Cleanup(func() { svr.Shutdown(3 * time.Second) })
	return svr, ln.Addr().String()
}

func networks(t *testing.T) []string {
	if runtime.GOOS == "linux" {
		return []string{transport.NetworkTCP, transport.NetworkUnix}
	}
	return []string{transport.NetworkTCP}
}

// TestFullIntegration 完整端到端测试
// 链路: Proxy → Dialer → Registry → LB → Channel → Binding → Middleware → Dispatch → Completer
func TestFullIntegration(t *testing.T) {
	for _, network := range networks(t) {
		t.Run(network, func(t *testing.T) {
			reg := registry.NewMemoryRegistry()
			impl := &echo.Impl{Delay: 10 * time.Millisecond}
			startServer(t, network, reg, impl, middleware.MetricsMiddleware())

			d := client.NewDialer(reg, loadbalance.New("round_robin"), client.Options{}, time.Second)
			defer d.Close()
			p := echo.NewProxy(echo.ServiceDialer{D: d})
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			got, err := p.Echo(ctx, "hello")
			if err != nil {
				t.Fatalf("Echo failed: %v", err)
			}
			if got != "hello" {
				t.Fatalf("Echo: expect hello, got %q", got)
			}

			sum, err := p.Add(ctx, 3, 5)
			if err != nil {
				t.Fatalf("Add failed: %v", err)
			}
			if sum != 8 {
				t.Fatalf("Add: expect 8, got %d", sum)
			}

			got, err = p.SlowEcho(ctx, "later")
			if err != nil {
				t.Fatalf("SlowEcho failed: %v", err)
			}
			if got != "later" {
				t.Fatalf("SlowEcho: expect later, got %q", got)
			}

			c, err := d.Client(ctx, echo.ServiceName)
			if err != nil {
				t.Fatal(err)
			}
			if err := echo.Notify(c, "ping"); err != nil {
				t.Fatalf("Notify failed: %v", err)
			}
			deadline := time.Now().Add(2 * time.Second)
			for len(impl.Notices()) == 0 && time.Now().Before(deadline) {
				time.Sleep(5 * time.Millisecond)
			}
			if n := impl.Notices(); len(n) != 1 || n[0] != "ping" {
				t.Fatalf("Notify: expect [ping], got %v", n)
			}
		})
	}
}

// TestConcurrentCallsOneChannel 同一连接上的并发调用按 txid 匹配
func TestConcurrentCallsOneChannel(t *testing.T) {
	_, addr := startServer(t, transport.NetworkTCP, nil, &echo.Impl{Delay: 5 * time.Millisecond})
	ch, err := transport.Dial(context.Background(), transport.NetworkTCP, addr)
	if err != nil {
		t.Fatal(err)
	}
	c := client.NewClient(ch, client.Options{})
	defer c.Close()
	p := echo.NewProxy(c)

	const n = 50
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func(i int64) {
			var sum int64
			var err error
			if i%2 == 0 {
				sum, err = p.Add(context.Background(), i, i)
			} else {
				var s string
				s, err = p.SlowEcho(context.Background(), strings.Repeat("x", int(i)))
				sum = int64(2 * len(s))
			}
			if err == nil && sum != 2*i {
				err = errors.New("wrong result")
			}
			errs <- err
		}(int64(i))
	}
	for i := 0; i < n; i++ {
		if err := <-errs; err != nil {
			t.Fatal(err)
		}
	}
}

// TestEpitaphReachesClient 服务端 Close(status) 的 epitaph 让所有调用失败
func TestEpitaphReachesClient(t *testing.T) {
	_, addr := startServer(t, transport.NetworkTCP, nil, &echo.Impl{})
	ch, err := transport.Dial(context.Background(), transport.NetworkTCP, addr)
	if err != nil {
		t.Fatal(err)
	}
	c := client.NewClient(ch, client.Options{})
	defer c.Close()

	err = echo.NewProxy(c).Fail(context.Background(), protocol.StatusAccessDenied)
	var epitaph *protocol.EpitaphError
	if !errors.As(err, &epitaph) || epitaph.Status != protocol.StatusAccessDenied {
		t.Fatalf("expect ACCESS_DENIED epitaph, got %v", err)
	}
	if !errors.Is(err, client.ErrChannelGone) {
		t.Fatalf("expect ErrChannelGone, got %v", err)
	}
}

// TestRateLimitClosesWithShouldWait 限流：令牌等待超过调度期限时以 SHOULD_WAIT 关闭
func TestRateLimitClosesWithShouldWait(t *testing.T) {
	ln, err := transport.Listen(transport.NetworkTCP, "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	svr := server.NewServer(server.Options{DispatchTimeout: 50 * time.Millisecond})
	svr.Use(middleware.RateLimitMiddleware(0.01, 1))
	if err := svr.Register(echo.ServiceName, &echo.Impl{}, echo.Table); err != nil {
		t.Fatal(err)
	}
	go svr.Serve(context.Background(), ln)
	defer svr.Shutdown(time.Second)

	ch, err := transport.Dial(context.Background(), transport.NetworkTCP, ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	c := client.NewClient(ch, client.Options{})
	defer c.Close()
	p := echo.NewProxy(c)

	if _, err := p.Echo(context.Background(), "first"); err != nil {
		t.Fatalf("first call uses the burst: %v", err)
	}
	_, err = p.Echo(context.Background(), "second")
	if !errors.Is(err, protocol.StatusShouldWait) {
		t.Fatalf("expect SHOULD_WAIT, got %v", err)
	}
}

// TestShutdownDeregisters 优雅关闭：先注销，再等待在途请求，最后关闭连接
func TestShutdownDeregisters(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	svr, _ := startServer(t, transport.NetworkTCP, reg, &echo.Impl{Delay: 100 * time.Millisecond})

	d := client.NewDialer(reg, loadbalance.New("round_robin"), client.Options{}, 0)
	defer d.Close()
	c, err := d.Client(context.Background(), echo.ServiceName)
	if err != nil {
		t.Fatal(err)
	}

	slow := make(chan error, 1)
	go func() {
		_, err := echo.NewProxy(c).SlowEcho(context.Background(), "in flight")
		slow <- err
	}()
	time.Sleep(30 * time.Millisecond)

	if err := svr.Shutdown(2 * time.Second); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if err := <-slow; err != nil {
		t.Fatalf("in-flight call should complete, got %v", err)
	}
	if _, err := reg.Discover(context.Background(), echo.ServiceName); !errors.Is(err, registry.ErrNotFound) {
		t.Fatalf("expect no instances after shutdown, got %v", err)
	}
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("client not closed by shutdown")
	}
	var epitaph *protocol.EpitaphError
	if !errors.As(c.Err(), &epitaph) || epitaph.Status != protocol.StatusUnavailable {
		t.Fatalf("expect UNAVAILABLE epitaph, got %v", c.Err())
	}
	if svr.Bindings() != 0 {
		t.Fatalf("expect no bindings, got %d", svr.Bindings())
	}
}

// TestMultiServer 多实例 + 负载均衡
func TestMultiServer(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	startServer(t, transport.NetworkTCP, reg, &echo.Impl{})
	startServer(t, transport.NetworkTCP, reg, &echo.Impl{})

	d := client.NewDialer(reg, loadbalance.New("round_robin"), client.Options{}, 0)
	defer d.Close()
	p := echo.NewProxy(echo.ServiceDialer{D: d})

	for i := int64(1); i <= 10; i++ {
		sum, err := p.Add(context.Background(), i, i*10)
		if err != nil {
			t.Fatalf("request %d failed: %v", i, err)
		}
		if sum != i+i*10 {
			t.Fatalf("request %d: expect %d, got %d", i, i+i*10, sum)
		}
	}
}

// TestDialerRetriesAfterRestart 连接丢失后按退避策略重试
func TestDialerRetriesAfterRestart(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	svr, _ := startServer(t, transport.NetworkTCP, reg, &echo.Impl{})

	d := client.NewDialer(reg, loadbalance.New("round_robin"), client.Options{}, 0)
	defer d.Close()
	d.SetRetry(client.RetryPolicy{MaxRetries: 5, BaseDelay: 20 * time.Millisecond})
	p := echo.NewProxy(echo.ServiceDialer{D: d})
	if _, err := p.Echo(context.Background(), "one"); err != nil {
		t.Fatal(err)
	}

	svr.Shutdown(time.Second)
	startServer(t, transport.NetworkTCP, reg, &echo.Impl{})

	got, err := p.Echo(context.Background(), "two")
	if err != nil {
		t.Fatalf("expect retry to reach the new server, got %v", err)
	}
	if got != "two" {
		t.Fatalf("expect two, got %q", got)
	}
}

// TestFullIntegrationWithEtcd 需要 etcd：CHANRPC_ETCD_ENDPOINTS=127.0.0.1:2379
func TestFullIntegrationWithEtcd(t *testing.T) {
	raw := os.Getenv("CHANRPC_ETCD_ENDPOINTS")
	if raw == "" {
		t.Skip("CHANRPC_ETCD_ENDPOINTS not set")
	}
	reg, err := registry.NewEtcdRegistry(strings.Split(raw, ","), 2*time.Second)
	if err != nil {
		t.Fatalf("failed to connect etcd: %v", err)
	}
	defer reg.Close()

	startServer(t, transport.NetworkTCP, reg, &echo.Impl{})
	startServer(t, transport.NetworkTCP, reg, &echo.Impl{})

	d := client.NewDialer(reg, loadbalance.New("weighted_random"), client.Options{}, time.Second)
	defer d.Close()
	p := echo.NewProxy(echo.ServiceDialer{D: d})
	for i := int64(1); i <= 10; i++ {
		sum, err := p.Add(context.Background(), i, i)
		if err != nil {
			t.Fatalf("request %d failed: %v", i, err)
		}
		if sum != 2*i {
			t.Fatalf("request %d: expect %d, got %d", i, 2*i, sum)
		}
	}
}

func TestMain(m *testing.M) {
	observability.InitLogger("server-test", observability.LogConfig{Level: "warn", NoColor: true})
	os.Exit(m.Run())
}
