// Package example holds the demo service served by cmd/wheels-server and called by
// cmd/wheels-client.
package example

import (
	"context"

	"wheels-rpc/client"
	"wheels-rpc/registry"
	"wheels-rpc/server"
)

const ServiceName = "TestRpcService"

type TestData struct {
	Value int    `json:"value"`
	Text  string `json:"text"`
	Msg   string `json:"msg"`
}

// TestRpcService is the published interface. Its methods are exposed as
// "TestRpcService#someMethod" and "TestRpcService#add".
type TestRpcService interface {
	SomeMethod(input TestData) TestData
	Add(x, y int) int
}

type TestRpcServiceImpl struct{}

func (TestRpcServiceImpl) SomeMethod(input TestData) TestData {
	return TestData{Value: 233, Text: "Hello", Msg: "Client"}
}

func (TestRpcServiceImpl) Add(x, y int) int {
	return x + y
}

// Register adds the demo implementation to reg.
func Register(reg *registry.Static) error {
	impl := TestRpcServiceImpl{}
	desc, err := server.InterfaceService(ServiceName, (*TestRpcService)(nil), impl)
	if err != nil {
		return err
	}
	reg.Add(impl, desc)
	return nil
}

// TestRpcServiceClient is the caller-side stub of TestRpcService.
type TestRpcServiceClient struct {
	c *client.Client
}

func NewTestRpcServiceClient(c *client.Client) *TestRpcServiceClient {
	return &TestRpcServiceClient{c: c}
}

func (s *TestRpcServiceClient) SomeMethod(ctx context.Context, input TestData) (TestData, error) {
	return client.Invoke[TestData](ctx, s.c, ServiceName+"#someMethod", input)
}

func (s *TestRpcServiceClient) Add(ctx context.Context, x, y int) (int, error) {
	return client.Invoke[int](ctx, s.c, ServiceName+"#add", x, y)
}
