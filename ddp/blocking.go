package ddp

import (
	"context"
)

type CallbackResult[R any] struct {
	Result R
	Error  error
}

// a callback that delivers its first result to a channel.
// Later results are dropped so the callback never blocks dispatch.
func NewBlockingCallback[R any]() (func(result R, err error), chan CallbackResult[R]) {
	c := make(chan CallbackResult[R], 1)
	callback := func(result R, err error) {
		select {
		case c <- CallbackResult[R]{
			Result: result,
			Error:  err,
		}:
		default:
		}
	}
	return callback, c
}

// Adapts the non-blocking client operations into calls that wait for their outcome.
// Holds no state of its own. Callers bound the wait with the context.
type BlockingClient struct {
	client *Client
}

func NewBlockingClient(client *Client) *BlockingClient {
	return &BlockingClient{
		client: client,
	}
}

func (self *BlockingClient) Client() *Client {
	return self.client
}

// waits for the next established session or connection failure
func (self *BlockingClient) Connect(ctx context.Context) (reconnected bool, returnErr error) {
	callback, c := NewBlockingCallback[bool]()
	removeConnected := self.client.AddConnectedCallback(func(reconnected bool) {
		callback(reconnected, nil)
	})
	defer removeConnected()
	removeFailed := self.client.AddFailedCallback(func(err error, reconnecting bool) {
		callback(reconnecting, err)
	})
	defer removeFailed()

	self.client.Connect(nil)

	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case result := <-c:
		return result.Result, result.Error
	}
}

func (self *BlockingClient) Call(ctx context.Context, method string, params []any) (any, error) {
	callback, c := NewBlockingCallback[any]()
	self.client.Call(method, params, callback, nil)
	return wait(ctx, c)
}

func (self *BlockingClient) CallWithRandomSeed(ctx context.Context, method string, params []any, randomSeed any) (any, error) {
	callback, c := NewBlockingCallback[any]()
	self.client.CallWithRandomSeed(method, params, randomSeed, callback, nil)
	return wait(ctx, c)
}

// waits for `ready`. On `nosub` or disconnect the error is returned with the subscription id.
func (self *BlockingClient) Subscribe(ctx context.Context, name string, params []any) (string, error) {
	callback, c := NewBlockingCallback[struct{}]()
	subscriptionId := self.client.Subscribe(name, params, func(err error) {
		callback(struct{}{}, err)
	})
	_, err := wait(ctx, c)
	return subscriptionId, err
}

func (self *BlockingClient) Unsubscribe(subscriptionId string) {
	self.client.Unsubscribe(subscriptionId)
}

func (self *BlockingClient) Observe(
	collectionName string,
	added AddedFunction,
	changed ChangedFunction,
	removed RemovedFunction,
) *Observer {
	return self.client.Observe(collectionName, added, changed, removed)
}

func (self *BlockingClient) Close() {
	self.client.Close()
}

func wait[R any](ctx context.Context, c chan CallbackResult[R]) (R, error) {
	select {
	case <-ctx.Done():
		var empty R
		return empty, ctx.Err()
	case result := <-c:
		return result.Result, result.Error
	}
}
