package plugin

import (
	"context"
	"fmt"
	"os"
	"os/exec"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-plugin"
	"github.com/rs/zerolog"
)

// ExternalPlugin hosts a binary entry point in its own process and forwards
// lifecycle hooks over RPC. Close kills the child process.
type ExternalPlugin struct {
	logger zerolog.Logger
	client *plugin.Client
	hooks  Plugin
}

// ConnectExternal launches the plugin binary at path, performs the
// handshake, and dispenses the lifecycle client. The caller owns the
// returned plugin and must Close it when done.
func ConnectExternal(logger zerolog.Logger, path string) (*ExternalPlugin, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("plugin executable not found: %s", path)
	}

	client := plugin.NewClient(&plugin.ClientConfig{
		HandshakeConfig:  Handshake,
		Plugins:          PluginMap,
		Cmd:              exec.Command(path),
		AllowedProtocols: []plugin.Protocol{plugin.ProtocolNetRPC},
		Logger: hclog.New(&hclog.LoggerOptions{
			Name:  "plugin-host",
			Level: hclog.Warn,
		}),
	})

	rpcClient, err := client.Client()
	if err != nil {
		client.Kill()
		return nil, fmt.Errorf("failed to connect to plugin: %w", err)
	}

	raw, err := rpcClient.Dispense("plugin")
	if err != nil {
		client.Kill()
		return nil, fmt.Errorf("failed to dispense plugin: %w", err)
	}

	hooks, ok := raw.(Plugin)
	if !ok {
		client.Kill()
		return nil, fmt.Errorf("unexpected plugin type %T", raw)
	}

	return &ExternalPlugin{
		logger: logger.With().Str("component", "external-plugin").Logger(),
		client: client,
		hooks:  hooks,
	}, nil
}

func (p *ExternalPlugin) OnLoad(ctx context.Context, config map[string]any) error {
	return p.hooks.OnLoad(ctx, config)
}

func (p *ExternalPlugin) OnActivate(ctx context.Context) error {
	return p.hooks.OnActivate(ctx)
}

func (p *ExternalPlugin) OnDeactivate(ctx context.Context) error {
	return p.hooks.OnDeactivate(ctx)
}

func (p *ExternalPlugin) OnCleanup(ctx context.Context) error {
	return p.hooks.OnCleanup(ctx)
}

// Close terminates the plugin process. Safe to call more than once.
func (p *ExternalPlugin) Close() error {
	p.client.Kill()
	return nil
}
