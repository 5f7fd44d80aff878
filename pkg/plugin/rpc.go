package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"net/rpc"

	"github.com/hashicorp/go-plugin"
)

// Handshake is used to verify that an external plugin binary and the host
// speak the same protocol before any RPC is attempted.
var Handshake = plugin.HandshakeConfig{
	ProtocolVersion:  1,
	MagicCookieKey:   "PATCHBAY_PLUGIN",
	MagicCookieValue: "patchbay-plugin-v1",
}

// PluginMap is the map of plugins a binary entry point can dispense.
var PluginMap = map[string]plugin.Plugin{
	"plugin": &LifecycleRPCPlugin{},
}

// Serve runs the go-plugin server side for an external plugin
// implementation. Plugin binaries call this from main and block until the
// host disconnects.
func Serve(impl Plugin) {
	plugin.Serve(&plugin.ServeConfig{
		HandshakeConfig: Handshake,
		Plugins: map[string]plugin.Plugin{
			"plugin": &LifecycleRPCPlugin{Impl: impl},
		},
	})
}

// LifecycleRPCPlugin is the implementation of plugin.Plugin for RPC.
type LifecycleRPCPlugin struct {
	Impl Plugin
}

func (p *LifecycleRPCPlugin) Server(*plugin.MuxBroker) (interface{}, error) {
	return &LifecycleRPCServer{Impl: p.Impl}, nil
}

func (p *LifecycleRPCPlugin) Client(b *plugin.MuxBroker, c *rpc.Client) (interface{}, error) {
	return &LifecycleRPCClient{client: c}, nil
}

// LifecycleRPCServer is the RPC server that LifecycleRPCClient talks to.
type LifecycleRPCServer struct {
	Impl Plugin
}

// LoadArgs are the arguments for the OnLoad RPC call. The configuration map
// crosses the wire as JSON because gob cannot encode map[string]any values.
type LoadArgs struct {
	Config []byte
}

// HookResp is the response for every lifecycle RPC call. Hook errors cross
// the wire as strings and are rebuilt on the host side.
type HookResp struct {
	Err string
}

func (s *LifecycleRPCServer) OnLoad(args *LoadArgs, resp *HookResp) error {
	var config map[string]any
	if len(args.Config) > 0 {
		if err := json.Unmarshal(args.Config, &config); err != nil {
			resp.Err = err.Error()
			return nil
		}
	}
	if err := s.Impl.OnLoad(context.Background(), config); err != nil {
		resp.Err = err.Error()
	}
	return nil
}

func (s *LifecycleRPCServer) OnActivate(args interface{}, resp *HookResp) error {
	if err := s.Impl.OnActivate(context.Background()); err != nil {
		resp.Err = err.Error()
	}
	return nil
}

func (s *LifecycleRPCServer) OnDeactivate(args interface{}, resp *HookResp) error {
	if err := s.Impl.OnDeactivate(context.Background()); err != nil {
		resp.Err = err.Error()
	}
	return nil
}

func (s *LifecycleRPCServer) OnCleanup(args interface{}, resp *HookResp) error {
	if err := s.Impl.OnCleanup(context.Background()); err != nil {
		resp.Err = err.Error()
	}
	return nil
}

// LifecycleRPCClient is the RPC client that talks to LifecycleRPCServer.
type LifecycleRPCClient struct {
	client *rpc.Client
}

func (c *LifecycleRPCClient) OnLoad(ctx context.Context, config map[string]any) error {
	raw, err := json.Marshal(config)
	if err != nil {
		return err
	}
	var resp HookResp
	if err := c.client.Call("Plugin.OnLoad", &LoadArgs{Config: raw}, &resp); err != nil {
		return err
	}
	if resp.Err != "" {
		return errors.New(resp.Err)
	}
	return nil
}

func (c *LifecycleRPCClient) OnActivate(ctx context.Context) error {
	var resp HookResp
	if err := c.client.Call("Plugin.OnActivate", new(interface{}), &resp); err != nil {
		return err
	}
	if resp.Err != "" {
		return errors.New(resp.Err)
	}
	return nil
}

func (c *LifecycleRPCClient) OnDeactivate(ctx context.Context) error {
	var resp HookResp
	if err := c.client.Call("Plugin.OnDeactivate", new(interface{}), &resp); err != nil {
		return err
	}
	if resp.Err != "" {
		return errors.New(resp.Err)
	}
	return nil
}

func (c *LifecycleRPCClient) OnCleanup(ctx context.Context) error {
	var resp HookResp
	if err := c.client.Call("Plugin.OnCleanup", new(interface{}), &resp); err != nil {
		return err
	}
	if resp.Err != "" {
		return errors.New(resp.Err)
	}
	return nil
}
