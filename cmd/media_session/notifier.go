package main

import (
	"context"
	"log/slog"
	"net"
	"strconv"
)

// dryRunNotifier только пишет в лог вместо отправки датаграмм запуска
type dryRunNotifier struct {
	logger *slog.Logger
	sent   []string
}

func (n *dryRunNotifier) NotifyStart(_ context.Context, server string, remotePort, localPort int) error {
	target := net.JoinHostPort(server, strconv.Itoa(remotePort))
	n.sent = append(n.sent, target)
	n.logger.Info("Датаграмма запуска не отправлена (dry run)",
		slog.String("remote", target),
		slog.Int("local_port", localPort))
	return nil
}
