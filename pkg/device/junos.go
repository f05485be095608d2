package device

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/srxops/srxops/pkg/transports/netconf"
	"github.com/srxops/srxops/pkg/transports/ssh"
)

const closeTimeout = 5 * time.Second

// unboundedOps may run longer than the command timeout; package validation
// alone takes minutes on branch hardware.
var unboundedOps = map[string]bool{"install": true}

// DialOptions carries the SSH settings shared by every device session.
type DialOptions struct {
	ConnectTimeout        time.Duration
	CommandTimeout        time.Duration
	KnownHostsPath        string
	StrictHostKeyChecking bool
	JumpHost              string
	KeepAliveInterval     time.Duration
}

// JunosDialer opens NETCONF-over-SSH sessions to Junos devices.
type JunosDialer struct {
	opts DialOptions
}

var _ Dialer = (*JunosDialer)(nil)

// NewJunosDialer creates a dialer.
func NewJunosDialer(opts DialOptions) *JunosDialer {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = 30 * time.Second
	}
	return &JunosDialer{opts: opts}
}

// Open connects to target and completes the NETCONF hello.
func (d *JunosDialer) Open(ctx context.Context, target Target) (Session, error) {
	cfg := ssh.DefaultConfig(target.Address, target.User)
	if target.Port > 0 {
		cfg.Port = target.Port
	}
	cfg.Password = target.Password
	cfg.ConnectionTimeout = d.opts.ConnectTimeout
	if target.Timeout > 0 {
		cfg.ConnectionTimeout = target.Timeout
	}
	cfg.CommandTimeout = d.opts.CommandTimeout
	cfg.KnownHostsPath = d.opts.KnownHostsPath
	cfg.StrictHostKeyChecking = d.opts.StrictHostKeyChecking
	cfg.JumpHost = d.opts.JumpHost
	cfg.KeepAliveInterval = d.opts.KeepAliveInterval

	client, err := ssh.NewSSHClient(cfg)
	if err != nil {
		return nil, &Error{Kind: KindConnection, Op: "open", Err: err}
	}

	openCtx, cancel := context.WithTimeout(ctx, cfg.ConnectionTimeout)
	defer cancel()

	if err := client.Connect(openCtx); err != nil {
		return nil, &Error{Kind: KindConnection, Op: "open", Err: err}
	}

	stream, err := client.OpenSubsystem(openCtx, "netconf")
	if err != nil {
		_ = client.Disconnect()
		return nil, &Error{Kind: KindConnection, Op: "open", Err: err}
	}

	nc, err := netconf.Open(openCtx, stream)
	if err != nil {
		_ = client.Disconnect()
		return nil, &Error{Kind: KindConnection, Op: "open", Err: err}
	}

	log.Debug().
		Str("device", target.Hostname).
		Str("address", target.Address).
		Str("session_id", nc.ID).
		Msg("device session opened")

	return &junosSession{
		name:           target.Hostname,
		rpc:            nc,
		files:          client,
		commandTimeout: d.opts.CommandTimeout,
		disconnect: func() error {
			return client.Disconnect()
		},
	}, nil
}

// rpcCaller is the subset of *netconf.Session the device layer uses.
type rpcCaller interface {
	Call(ctx context.Context, body string) (*netconf.Reply, error)
	Close() error
	Broken() bool
}

// fileTransport is the subset of the SSH transport used for firmware upload.
type fileTransport interface {
	UploadFile(ctx context.Context, localPath string, remotePath string, mode uint32) (*ssh.FileTransferResult, error)
	RemoteFileSize(ctx context.Context, remotePath string) (int64, error)
}

type junosSession struct {
	name       string
	rpc        rpcCaller
	files      fileTransport
	disconnect func() error

	// commandTimeout bounds each RPC except unboundedOps. Zero disables it.
	commandTimeout time.Duration

	mu        sync.Mutex
	locked    bool
	closeOnce sync.Once
}

var _ Session = (*junosSession)(nil)

// call runs one RPC and classifies its failure. rejectKind applies when the
// device answered with an rpc-error.
func (s *junosSession) call(ctx context.Context, op, body string, rejectKind Kind) (*netconf.Reply, error) {
	if s.commandTimeout > 0 && !unboundedOps[op] {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.commandTimeout)
		defer cancel()
	}

	reply, err := s.rpc.Call(ctx, body)
	if err == nil {
		for _, w := range reply.Warnings() {
			log.Warn().Str("device", s.name).Str("op", op).Str("warning", w.Error()).Msg("device warning")
		}
		return reply, nil
	}

	var replyErr *netconf.ReplyError
	if errors.As(err, &replyErr) {
		return reply, &Error{Kind: rejectKind, Op: op, Err: err}
	}

	// Anything else means the stream is gone or its position is unknown
	return nil, &Error{Kind: KindUnreachable, Op: op, Err: err}
}

func (s *junosSession) LoadAndDiff(ctx context.Context, commands []string) (string, error) {
	if len(commands) == 0 {
		return "", &Error{Kind: KindLoad, Op: "load", Err: fmt.Errorf("no commands given")}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.locked {
		if _, err := s.call(ctx, "lock", rpcLock, KindLoad); err != nil {
			return "", err
		}
		s.locked = true
	}

	if _, err := s.call(ctx, "load", loadSetRPC(commands), KindLoad); err != nil {
		return "", err
	}

	reply, err := s.call(ctx, "diff", rpcCompare, KindLoad)
	if err != nil {
		return "", err
	}

	diff, _, err := firstText(reply.Data, "configuration-output")
	if err != nil {
		return "", &Error{Kind: KindLoad, Op: "diff", Err: err}
	}

	log.Debug().Str("device", s.name).Int("commands", len(commands)).Int("diff_len", len(diff)).Msg("candidate loaded")
	return diff, nil
}

func (s *junosSession) CommitConfirmed(ctx context.Context, comment string, minutes int) error {
	if minutes <= 0 {
		return &Error{Kind: KindValidation, Op: "commit-confirmed", Err: fmt.Errorf("confirm timeout must be positive, got %d", minutes)}
	}

	if _, err := s.call(ctx, "commit-confirmed", commitConfirmedRPC(comment, minutes), KindValidation); err != nil {
		return err
	}

	log.Info().Str("device", s.name).Int("minutes", minutes).Str("comment", comment).Msg("commit confirmed armed")
	return nil
}

func (s *junosSession) Confirm(ctx context.Context, comment string) error {
	if _, err := s.call(ctx, "confirm", commitRPC(comment), KindValidation); err != nil {
		return err
	}

	log.Info().Str("device", s.name).Str("comment", comment).Msg("commit confirmed")
	return nil
}

func (s *junosSession) RollbackCandidate(ctx context.Context) error {
	if _, err := s.call(ctx, "discard", rpcDiscard, KindOperation); err != nil {
		return err
	}
	return s.unlock(ctx)
}

func (s *junosSession) unlock(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.locked {
		return nil
	}
	if _, err := s.call(ctx, "unlock", rpcUnlock, KindOperation); err != nil {
		return err
	}
	s.locked = false
	return nil
}

func (s *junosSession) Close() error {
	s.closeOnce.Do(func() {
		if !s.rpc.Broken() {
			ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
			if err := s.unlock(ctx); err != nil {
				log.Debug().Err(err).Str("device", s.name).Msg("unlock on close failed")
			}
			cancel()
		}

		if err := s.rpc.Close(); err != nil {
			log.Debug().Err(err).Str("device", s.name).Msg("netconf close failed")
		}

		if s.disconnect != nil {
			if err := s.disconnect(); err != nil {
				log.Debug().Err(err).Str("device", s.name).Msg("ssh disconnect failed")
			}
		}

		log.Debug().Str("device", s.name).Msg("device session closed")
	})
	return nil
}

func (s *junosSession) Facts(ctx context.Context) (*Facts, error) {
	software, err := s.call(ctx, "facts", rpcSoftware, KindOperation)
	if err != nil {
		return nil, err
	}

	var systemData, reData []byte
	if reply, err := s.call(ctx, "facts", rpcSystem, KindOperation); err == nil {
		systemData = reply.Data
	} else if IsUnreachable(err) {
		return nil, err
	}

	if reply, err := s.call(ctx, "facts", rpcRouteEngine, KindOperation); err == nil {
		reData = reply.Data
	} else if IsUnreachable(err) {
		return nil, err
	}

	facts, err := parseFacts(software.Data, systemData, reData)
	if err != nil {
		return nil, &Error{Kind: KindOperation, Op: "facts", Err: err}
	}
	return facts, nil
}

func (s *junosSession) Health(ctx context.Context) (*Health, error) {
	facts, err := s.Facts(ctx)
	if err != nil {
		return nil, err
	}
	health := &Health{Facts: facts}

	reply, err := s.call(ctx, "storage", rpcStorage, KindOperation)
	if err != nil {
		return nil, err
	}
	if health.Storage, err = parseStorage(reply.Data); err != nil {
		return nil, &Error{Kind: KindOperation, Op: "storage", Err: err}
	}

	reply, err = s.call(ctx, "alarms", rpcAlarms, KindOperation)
	if err != nil {
		return nil, err
	}
	if health.Alarms, err = parseAlarms(reply.Data); err != nil {
		return nil, &Error{Kind: KindOperation, Op: "alarms", Err: err}
	}

	reply, err = s.call(ctx, "interfaces", rpcInterfaces, KindOperation)
	if err != nil {
		return nil, err
	}
	if health.InterfacesUp, err = countInterfacesUp(reply.Data); err != nil {
		return nil, &Error{Kind: KindOperation, Op: "interfaces", Err: err}
	}

	// Devices without IPsec reject this RPC; tunnels are optional
	reply, err = s.call(ctx, "tunnels", rpcSecurityAssocs, KindOperation)
	switch {
	case err == nil:
		tunnels, perr := parseTunnels(reply.Data)
		if perr != nil {
			log.Warn().Err(perr).Str("device", s.name).Msg("failed to parse security associations")
		}
		health.Tunnels = tunnels
	case IsUnreachable(err):
		return nil, err
	default:
		log.Warn().Err(err).Str("device", s.name).Msg("failed to read security associations")
	}
	health.TunnelCount = len(health.Tunnels)

	return health, nil
}

func (s *junosSession) RunningConfig(ctx context.Context, format string) (string, error) {
	element := "configuration-set"
	switch format {
	case "", "set":
		format = "set"
	case "text":
		element = "configuration-text"
	default:
		return "", &Error{Kind: KindOperation, Op: "get-config", Err: fmt.Errorf("unsupported format %q", format)}
	}

	reply, err := s.call(ctx, "get-config", getConfigRPC(format), KindOperation)
	if err != nil {
		return "", err
	}

	config, found, err := firstText(reply.Data, element)
	if err != nil {
		return "", &Error{Kind: KindOperation, Op: "get-config", Err: err}
	}
	if !found {
		return "", &Error{Kind: KindOperation, Op: "get-config", Err: fmt.Errorf("%s missing from reply", element)}
	}
	return config + "\n", nil
}

func (s *junosSession) Snapshot(ctx context.Context) error {
	_, err := s.call(ctx, "snapshot", rpcSnapshot, KindOperation)
	return err
}

func (s *junosSession) Upload(ctx context.Context, localPath string, remoteDir string) (string, error) {
	info, err := os.Stat(localPath)
	if err != nil {
		return "", &Error{Kind: KindTransfer, Op: "upload", Err: err}
	}

	remotePath := path.Join(remoteDir, filepath.Base(localPath))

	result, err := s.files.UploadFile(ctx, localPath, remotePath, 0644)
	if err != nil {
		kind := KindTransfer
		if ssh.IsUnreachable(err) && ctx.Err() == nil {
			kind = KindUnreachable
		}
		return "", &Error{Kind: kind, Op: "upload", Err: err}
	}

	size, err := s.files.RemoteFileSize(ctx, remotePath)
	if err != nil {
		return "", &Error{Kind: KindTransfer, Op: "upload", Err: fmt.Errorf("stat %s: %w", remotePath, err)}
	}
	if size != info.Size() {
		return "", &Error{Kind: KindTransfer, Op: "upload", Err: fmt.Errorf("size mismatch for %s: local %d, remote %d", remotePath, info.Size(), size)}
	}

	log.Info().
		Str("device", s.name).
		Str("remote", remotePath).
		Int64("bytes", result.BytesTransferred).
		Dur("duration", result.Duration).
		Msg("firmware uploaded")

	return remotePath, nil
}

func (s *junosSession) Install(ctx context.Context, remotePath string) error {
	reply, err := s.call(ctx, "install", packageAddRPC(remotePath), KindInstall)
	if err != nil {
		return err
	}

	output, ok, err := parsePackageResult(reply.Data)
	if err != nil {
		return &Error{Kind: KindInstall, Op: "install", Err: err}
	}
	if !ok {
		if output == "" {
			output = "package-add did not report success"
		}
		return &Error{Kind: KindInstall, Op: "install", Err: errors.New(strings.TrimSpace(output))}
	}

	log.Info().Str("device", s.name).Str("package", remotePath).Msg("package installed")
	return nil
}

func (s *junosSession) Reboot(ctx context.Context) error {
	_, err := s.call(ctx, "reboot", rpcReboot, KindOperation)
	if err == nil {
		log.Info().Str("device", s.name).Msg("reboot requested")
	}
	return err
}
