// Package relay embeds a STUN/TURN server so self-hosted deployments can meet
// the two-relay-endpoint requirement without public infrastructure. The
// server answers STUN binding requests and relays TURN allocations for the
// configured long-term credentials.
package relay

import (
	"context"
	"fmt"
	"net"
	"sync"
	"syscall"

	"github.com/pion/turn/v4"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/enquira/voicecall/internal/config"
)

// Server is the embedded relay.
type Server struct {
	cfg config.RelayConfig
	log *zap.Logger

	mu      sync.Mutex
	server  *turn.Server
	running bool
}

// NewServer validates the relay configuration.
func NewServer(cfg config.RelayConfig, logger *zap.Logger) (*Server, error) {
	if cfg.PublicIP == "" {
		return nil, fmt.Errorf("relay: public IP is required")
	}
	if net.ParseIP(cfg.PublicIP) == nil {
		return nil, fmt.Errorf("relay: invalid public IP %q", cfg.PublicIP)
	}
	if cfg.Port <= 0 {
		return nil, fmt.Errorf("relay: invalid port %d", cfg.Port)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{cfg: cfg, log: logger.Named("relay")}, nil
}

// Start binds the UDP listener and begins serving.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	users := make(map[string][]byte, len(s.cfg.Users))
	for username, password := range s.cfg.Users {
		users[username] = turn.GenerateAuthKey(username, s.cfg.Realm, password)
	}

	// SO_REUSEPORT lets a restarted relay rebind immediately and allows
	// adding listeners later without fighting over the port.
	listenerConfig := &net.ListenConfig{
		Control: func(network, address string, conn syscall.RawConn) error {
			var operr error
			if err := conn.Control(func(fd uintptr) {
				operr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, unix.SO_REUSEPORT, 1)
			}); err != nil {
				return err
			}
			return operr
		},
	}

	packetConn, err := listenerConfig.ListenPacket(ctx, "udp4", fmt.Sprintf("0.0.0.0:%d", s.cfg.Port))
	if err != nil {
		return fmt.Errorf("relay: failed to bind UDP listener: %w", err)
	}

	server, err := turn.NewServer(turn.ServerConfig{
		Realm: s.cfg.Realm,
		AuthHandler: func(username, realm string, _ net.Addr) ([]byte, bool) {
			key, ok := users[username]
			return key, ok
		},
		PacketConnConfigs: []turn.PacketConnConfig{
			{
				PacketConn: packetConn,
				RelayAddressGenerator: &turn.RelayAddressGeneratorPortRange{
					RelayAddress: net.ParseIP(s.cfg.PublicIP),
					Address:      "0.0.0.0",
					MinPort:      49152,
					MaxPort:      65535,
				},
			},
		},
	})
	if err != nil {
		packetConn.Close()
		return fmt.Errorf("relay: failed to start TURN server: %w", err)
	}

	s.server = server
	s.running = true
	s.log.Info("relay listening",
		zap.String("publicIP", s.cfg.PublicIP),
		zap.Int("port", s.cfg.Port),
		zap.String("realm", s.cfg.Realm))
	return nil
}

// URLs returns the ICE server URLs clients should be handed for this relay.
func (s *Server) URLs() []string {
	return []string{
		fmt.Sprintf("stun:%s:%d", s.cfg.PublicIP, s.cfg.Port),
		fmt.Sprintf("turn:%s:%d", s.cfg.PublicIP, s.cfg.Port),
	}
}

// Stop shuts the relay down. Idempotent.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	s.running = false
	if err := s.server.Close(); err != nil {
		return fmt.Errorf("relay: failed to close TURN server: %w", err)
	}
	s.log.Info("relay stopped")
	return nil
}
