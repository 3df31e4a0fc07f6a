package commands

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"strconv"

	"github.com/urfave/cli/v3"

	wsclient "github.com/dohr-michael/deskpilot/clients/ws"
	"github.com/dohr-michael/deskpilot/internal/config"
	"github.com/dohr-michael/deskpilot/internal/heartbeat"
)

// loadConfig reads the --config file. A missing file yields the defaults.
func loadConfig(cmd *cli.Command) (*config.Config, error) {
	path := cmd.String("config")
	cfg, err := config.Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		slog.Warn("config not found, using defaults", "path", path)
		cfg = &config.Config{}
		config.ApplyDefaults(cfg)
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg, nil
}

var gatewayFlag = &cli.StringFlag{
	Name:  "gateway",
	Usage: "Gateway WebSocket URL (default: from the heartbeat file, then the config)",
}

// gatewayURL resolves the WebSocket endpoint: the flag, the address of a live
// gateway, then the configured host and port.
func gatewayURL(cmd *cli.Command) (string, error) {
	if u := cmd.String("gateway"); u != "" {
		return u, nil
	}
	if status, hb, err := heartbeat.Check(config.HeartbeatPath(), statusMaxAge); err == nil && status == heartbeat.StatusAlive && hb.Addr != "" {
		return "ws://" + hb.Addr + "/api/ws", nil
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return "", err
	}
	addr := net.JoinHostPort(cfg.Gateway.Host, strconv.Itoa(cfg.Gateway.Port))
	return "ws://" + addr + "/api/ws", nil
}

func dialGateway(ctx context.Context, cmd *cli.Command) (*wsclient.Client, error) {
	url, err := gatewayURL(cmd)
	if err != nil {
		return nil, err
	}
	client, err := wsclient.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("connect to gateway at %s (is `deskpilot gateway` running?): %w", url, err)
	}
	return client, nil
}
