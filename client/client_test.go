package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"wheels-rpc/message"
	"wheels-rpc/registry"
	"wheels-rpc/server"
	"wheels-rpc/transport"
)

type TestData struct {
	Value int    `json:"value"`
	Text  string `json:"text"`
	Msg   string `json:"msg"`
}

type TestRpcService interface {
	SomeMethod(in TestData) TestData
	Add(x, y int) int
}

type testRpcServiceImpl struct{}

func (testRpcServiceImpl) SomeMethod(in TestData) TestData {
	return TestData{Value: 233, Text: "Hello", Msg: "Client"}
}

func (testRpcServiceImpl) Add(x, y int) int { return x + y }

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func testRegistry(t testing.TB) registry.Registry {
	desc, err := server.InterfaceService("TestRpcService", (*TestRpcService)(nil), testRpcServiceImpl{})
	if err != nil {
		t.Fatal(err)
	}
	reg := registry.NewStatic()
	reg.Add(testRpcServiceImpl{}, desc)
	reg.Add("slow", server.ServiceDesc{Name: "Slow", Methods: []server.MethodDesc{
		server.Method1("sleep", func(ctx context.Context, ms int) (int, error) {
			time.Sleep(time.Duration(ms) * time.Millisecond)
			return ms, nil
		}),
		server.Method1("explode", func(ctx context.Context, reason string) (int, error) {
			return 0, errors.New(reason)
		}),
	}})
	reg.Add("lists", server.ServiceDesc{Name: "Lists", Methods: []server.MethodDesc{
		server.Method1("sum", func(ctx context.Context, xs []int) (int, error) {
			n := 0
			for _, x := range xs {
				n += x
			}
			return n, nil
		}),
		server.Method0("none", func(ctx context.Context) ([]string, error) { return nil, nil }),
		server.Method0("noMap", func(ctx context.Context) (map[string]int, error) { return nil, nil }),
		server.Method0("noData", func(ctx context.Context) (*TestData, error) { return nil, nil }),
	}})
	return reg
}

// startServer runs a server on a free local port and returns its port.
func startServer(t testing.TB) (*server.Server, int) {
	cfg := server.DefaultConfig()
	cfg.Host = "127.0.0.1"
	cfg.Port = 0
	svr := server.New(cfg, testRegistry(t), server.WithLogger(quietLogger()))
	addr, err := svr.Start()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { svr.Stop(time.Second) })
	return svr, addr.(*net.TCPAddr).Port
}

func newClient(t testing.TB, port int, opts ...Option) *Client {
	cfg := DefaultConfig()
	cfg.Host = "127.0.0.1"
	cfg.Port = port
	cli := New(cfg, append([]Option{WithLogger(quietLogger())}, opts...)...)
	if err := cli.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { cli.Stop() })
	return cli
}

// freePort returns a port that nothing is listening on.
func freePort(t testing.TB) int {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()
	return port
}

func TestClientCall(t *testing.T) {
	_, port := startServer(t)
	cli := newClient(t, port)
	ctx := context.Background()

	res, err := Invoke[TestData](ctx, cli, "TestRpcService#someMethod", TestData{Value: 233, Text: "Hello", Msg: "Server"})
	if err != nil {
		t.Fatal(err)
	}
	if res != (TestData{Value: 233, Text: "Hello", Msg: "Client"}) {
		t.Fatalf("unexpected result %+v", res)
	}

	sum, err := Invoke[int](ctx, cli, "TestRpcService#add", 210, 23)
	if err != nil || sum != 233 {
		t.Fatalf("add = %d, %v", sum, err)
	}

	// A single non-array value decodes straight into the one parameter.
	var reply TestData
	r := cli.Call(ctx, "TestRpcService#someMethod", TestData{Msg: "raw"}, &reply)
	if r.Error() != nil || reply.Msg != "Client" || r.Body != &reply {
		t.Fatalf("unexpected result %+v", r)
	}
}

func TestClientRemoteFailures(t *testing.T) {
	_, port := startServer(t)
	cli := newClient(t, port)
	ctx := context.Background()

	_, err := Invoke[int](ctx, cli, "TestRpcService#missing")
	var remote *message.RemoteError
	if !errors.As(err, &remote) || remote.Code != -1 || remote.Message != message.MethodNotFoundMessage {
		t.Fatalf("expect Method Not Found, got %v", err)
	}

	_, err = Invoke[int](ctx, cli, "Slow#explode", "out of cheese")
	if !errors.As(err, &remote) || remote.Message != "out of cheese" {
		t.Fatalf("expect invocation error, got %v", err)
	}
}

func TestClientConcurrentCalls(t *testing.T) {
	_, port := startServer(t)
	cli := newClient(t, port, WithPoolSize(3))

	const n = 200
	var (
		wg     sync.WaitGroup
		failed atomic.Int32
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sum, err := Invoke[int](context.Background(), cli, "TestRpcService#add", i, i)
			if err != nil || sum != 2*i {
				failed.Add(1)
				t.Errorf("add(%d, %d) = %d, %v", i, i, sum, err)
			}
		}(i)
	}
	wg.Wait()

	if failed.Load() != 0 {
		t.Fatalf("%d calls failed", failed.Load())
	}
	if st := cli.Stats(); st.Created > 3 {
		t.Fatalf("pool grew past its size: %+v", st)
	}
}

func TestClientNotStarted(t *testing.T) {
	cli := New(DefaultConfig(), WithLogger(quietLogger()))
	if err := cli.Stop(); err != nil {
		t.Fatalf("Stop before Start should be a no-op: %v", err)
	}

	res := cli.Call(context.Background(), "TestRpcService#add", Args(1, 2), nil)
	if !errors.Is(res.Error(), ErrClientNotStarted) {
		t.Fatalf("expect ErrClientNotStarted, got %v", res.Error())
	}
}

func TestClientInvalidConfig(t *testing.T) {
	cli := New(DefaultConfig(), WithPoolSize(0))
	if err := cli.Start(); err == nil {
		t.Fatal("expect an error for an empty pool")
	}
}

func TestClientDialFailure(t *testing.T) {
	cli := newClient(t, freePort(t), WithDialTimeout(time.Second), WithRetry(2, 10*time.Millisecond))

	start := time.Now()
	res := cli.Call(context.Background(), "TestRpcService#add", Args(1, 2), nil)
	var te *transport.TransportError
	if !errors.As(res.Error(), &te) || te.Op != "dial" {
		t.Fatalf("expect dial error, got %v", res.Error())
	}
	// Two retries back off 10ms then 20ms.
	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Fatalf("retries did not back off, took %v", elapsed)
	}
	if st := cli.Stats(); st.Created != 0 {
		t.Fatalf("failed dials must not hold pool slots: %+v", st)
	}
}

func TestClientRetryUntilServerUp(t *testing.T) {
	port := freePort(t)
	cli := newClient(t, port, WithRetry(8, 20*time.Millisecond))

	reg := testRegistry(t)
	started := make(chan *server.Server, 1)
	go func() {
		time.Sleep(60 * time.Millisecond)
		cfg := server.DefaultConfig()
		cfg.Host = "127.0.0.1"
		cfg.Port = port
		svr := server.New(cfg, reg, server.WithLogger(quietLogger()))
		if _, err := svr.Start(); err != nil {
			t.Errorf("late server start failed: %v", err)
			svr = nil
		}
		started <- svr
	}()
	defer func() {
		if svr := <-started; svr != nil {
			svr.Stop(time.Second)
		}
	}()

	sum, err := Invoke[int](context.Background(), cli, "TestRpcService#add", 1, 1)
	if err != nil || sum != 2 {
		t.Fatalf("add = %d, %v", sum, err)
	}
}

func TestClientStopFailsPendingCalls(t *testing.T) {
	_, port := startServer(t)
	cli := newClient(t, port)

	call := cli.Go(context.Background(), "Slow#sleep", Args(500), new(int))
	time.Sleep(50 * time.Millisecond)
	if err := cli.Stop(); err != nil {
		t.Fatal(err)
	}

	select {
	case done := <-call.Done:
		if !errors.Is(done.Result.Error(), transport.ErrConnectionClosed) {
			t.Fatalf("expect ErrConnectionClosed, got %v", done.Result.Error())
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending call was left hanging after Stop")
	}

	res := cli.Call(context.Background(), "TestRpcService#add", Args(1, 2), nil)
	if !errors.Is(res.Error(), ErrClientNotStarted) {
		t.Fatalf("expect ErrClientNotStarted after Stop, got %v", res.Error())
	}

	// The client can be started again.
	if err := cli.Start(); err != nil {
		t.Fatal(err)
	}
	if sum, err := Invoke[int](context.Background(), cli, "TestRpcService#add", 2, 3); err != nil || sum != 5 {
		t.Fatalf("add after restart = %d, %v", sum, err)
	}
}

func TestClientCallContext(t *testing.T) {
	_, port := startServer(t)
	cli := newClient(t, port)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	res := cli.Call(ctx, "Slow#sleep", Args(300), new(int))
	if !errors.Is(res.Error(), context.DeadlineExceeded) {
		t.Fatalf("expect deadline exceeded, got %v", res.Error())
	}

	// The late response is discarded and the connection keeps working.
	time.Sleep(300 * time.Millisecond)
	if sum, err := Invoke[int](context.Background(), cli, "TestRpcService#add", 4, 4); err != nil || sum != 8 {
		t.Fatalf("add = %d, %v", sum, err)
	}
}

func TestClientServerGone(t *testing.T) {
	svr, port := startServer(t)
	cli := newClient(t, port)

	if _, err := Invoke[int](context.Background(), cli, "TestRpcService#add", 1, 1); err != nil {
		t.Fatal(err)
	}
	if err := svr.Stop(time.Second); err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := Invoke[int](context.Background(), cli, "TestRpcService#add", 1, 1)
		done <- err
	}()
	select {
	case err := <-done:
		if err == nil {
			t.Fatal("call to a stopped server should fail")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("call to a stopped server hung")
	}
}

func TestClientNilResults(t *testing.T) {
	_, port := startServer(t)
	cli := newClient(t, port)
	ctx := context.Background()

	list, err := Invoke[[]string](ctx, cli, "Lists#none")
	if err != nil || list != nil {
		t.Fatalf("nil slice result: %#v, %v", list, err)
	}
	m, err := Invoke[map[string]int](ctx, cli, "Lists#noMap")
	if err != nil || m != nil {
		t.Fatalf("nil map result: %#v, %v", m, err)
	}
	d, err := Invoke[*TestData](ctx, cli, "Lists#noData")
	if err != nil || d != nil {
		t.Fatalf("nil pointer result: %#v, %v", d, err)
	}
}

func TestClientSliceArgument(t *testing.T) {
	_, port := startServer(t)
	cli := newClient(t, port)
	ctx := context.Background()

	var sum int
	call := cli.Go(ctx, "Lists#sum", []int{1, 2}, &sum)
	res := (<-call.Done).Result
	if err := res.Error(); err != nil || sum != 3 {
		t.Fatalf("sum = %d, %v", sum, err)
	}

	if got, err := Invoke[int](ctx, cli, "Lists#sum", []int{4, 5, 6}); err != nil || got != 15 {
		t.Fatalf("sum = %d, %v", got, err)
	}
	if got, err := Invoke[int](ctx, cli, "Lists#sum", []int(nil)); err != nil || got != 0 {
		t.Fatalf("sum of nil = %d, %v", got, err)
	}
}

func TestEncodeArgs(t *testing.T) {
	cli := New(DefaultConfig(), WithLogger(quietLogger()))
	cases := []struct {
		args any
		want string
	}{
		{nil, `[]`},
		{Args(), `[]`},
		{Arguments(nil), `[]`},
		{Args(42, "x"), `[42,"x"]`},
		{TestData{Value: 1}, `{"value":1,"text":"","msg":""}`},
		{json.RawMessage(`[1]`), `[1]`},
		{(*TestData)(nil), `{}`},
		{[]int{1, 2}, `[[1,2]]`},
		{[2]string{"a", "b"}, `[["a","b"]]`},
		{[]int(nil), `[null]`},
	}
	for _, c := range cases {
		got, err := cli.encodeArgs(c.args)
		if err != nil {
			t.Fatalf("encode %#v: %v", c.args, err)
		}
		if string(got) != c.want {
			t.Errorf("encode %#v = %s, want %s", c.args, got, c.want)
		}
	}
}

func TestConfigAddr(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Host = "::1"
	cfg.Port = 9000
	if got, want := cfg.Addr(), "[::1]:"+strconv.Itoa(9000); got != want {
		t.Fatalf("Addr() = %s, want %s", got, want)
	}
}
