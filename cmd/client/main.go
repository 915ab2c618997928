package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"slices"
	"sync"
	"syscall"
	"time"

	"e2e_callkey/internal/channel"
	"e2e_callkey/internal/config"
	"e2e_callkey/internal/cryptographic/asymmetric"
	"e2e_callkey/internal/service/directory"
	"e2e_callkey/internal/service/participant"
	redisSvc "e2e_callkey/internal/service/redis"
	"e2e_callkey/internal/utils/log"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type options struct {
	cfg            config.Config
	participantID  string
	members        []string
	transport      string
	relayAddr      string
	hardwareBacked bool
	probe          time.Duration
}

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	o := &options{cfg: config.Default()}

	cmd := &cobra.Command{
		Use:   "callkey-client [participant-id]",
		Short: "Join a call and keep its media key in sync",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			o.participantID = args[0]
			if o.cfg.CallID == "" {
				return errors.New("--call is required")
			}
			if !slices.Contains(o.members, o.participantID) {
				o.members = append(o.members, o.participantID)
			}
			if err := o.cfg.Validate(); err != nil {
				return err
			}
			if err := log.Init(o.cfg.Log.Level, o.cfg.Log.Dev); err != nil {
				return err
			}
			defer log.Sync()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, o)
		},
	}

	cfg := &o.cfg
	f := cmd.Flags()
	f.StringVar(&cfg.CallID, "call", "", "call id")
	f.StringSliceVar(&o.members, "members", nil, "participant ids in the call")
	f.StringVar(&o.transport, "transport", "redis", "distribution channel: redis or relay")
	f.StringVar(&o.relayAddr, "relay", "localhost:9090", "relay host:port when --transport=relay")
	f.BoolVar(&o.hardwareBacked, "hardware-backed", true, "use P-256 identity keys instead of RSA-2048")
	f.DurationVar(&o.probe, "probe", 0, "interval of the local encrypt/decrypt probe, 0 to disable")
	f.StringVar(&cfg.Directory.URL, "directory", cfg.Directory.URL, "directory base URL")
	f.DurationVar(&cfg.Directory.CacheTTL, "directory-ttl", cfg.Directory.CacheTTL, "public key cache ttl")
	f.DurationVar(&cfg.Rotation.Period, "rotation-period", cfg.Rotation.Period, "key rotation period while host")
	f.DurationVar(&cfg.Rotation.PropagationMargin, "propagation-margin", cfg.Rotation.PropagationMargin, "delay between announcement and activation")
	f.DurationVar(&cfg.Recovery.Timeout, "recovery-timeout", cfg.Recovery.Timeout, "wait per recovery attempt")
	f.IntVar(&cfg.Recovery.MaxAttempts, "recovery-attempts", cfg.Recovery.MaxAttempts, "recovery attempts before the host is reported unreachable")
	f.DurationVar(&cfg.Recovery.Cooldown, "recovery-cooldown", cfg.Recovery.Cooldown, "pause before retrying recovery against a host that just failed")
	f.StringVar(&cfg.Redis.Addr, "redis-addr", cfg.Redis.Addr, "Redis address")
	f.StringVar(&cfg.Redis.Password, "redis-password", cfg.Redis.Password, "Redis password")
	f.IntVar(&cfg.Redis.DB, "redis-db", cfg.Redis.DB, "Redis database")
	f.StringVar(&cfg.Log.Level, "log-level", cfg.Log.Level, "debug, info, warn or error")
	f.BoolVar(&cfg.Log.Dev, "log-dev", cfg.Log.Dev, "human readable logs")
	return cmd
}

func run(ctx context.Context, o *options) error {
	identity, err := asymmetric.Generate(o.participantID, o.hardwareBacked)
	if err != nil {
		return err
	}
	rec, err := identity.Public()
	if err != nil {
		return err
	}

	source := directory.NewHTTPSource(o.cfg.Directory.URL, nil)
	stored, err := source.Publish(ctx, rec)
	if err != nil {
		return fmt.Errorf("publish public key: %w", err)
	}
	log.Info("published public key",
		zap.String("participant", o.participantID), zap.String("algorithm", string(stored.Algorithm)), zap.Int64("version", stored.Version))

	redis, err := redisSvc.Dial(ctx, o.cfg.Redis.Addr, o.cfg.Redis.Password, o.cfg.Redis.DB)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	defer redis.Close()

	dir := directory.New(source, directory.NewRedisCache(redis), o.cfg.Directory.CacheTTL)
	// Our own record may still be cached from a previous run.
	dir.Invalidate(ctx, o.participantID)

	var transport channel.Transport
	switch o.transport {
	case "redis":
		transport = channel.NewRedisTransport(redis)
	case "relay":
		ws, err := channel.DialRelay(ctx, o.relayAddr, o.participantID)
		if err != nil {
			return fmt.Errorf("connect relay: %w", err)
		}
		defer ws.Close()
		transport = ws
	default:
		return fmt.Errorf("unknown transport %q", o.transport)
	}

	elect := newElection(o.members)
	var p *participant.Participant
	p = participant.New(participant.Config{
		CallID:           o.cfg.CallID,
		Rotation:         o.cfg.Rotation.HostConfig(),
		Recovery:         o.cfg.Recovery.ControllerConfig(),
		RecoveryCooldown: o.cfg.Recovery.Cooldown,
		OnHostUnreachable: func(hostID string) {
			next, ok := elect.exclude(hostID)
			if !ok {
				log.Error("no reachable host left", zap.String("call", o.cfg.CallID))
				return
			}
			if err := p.SetHost(ctx, next); err != nil {
				log.Error("host hand-off failed", zap.String("host", next), zap.Error(err))
			}
		},
	}, identity, dir, transport, nil)
	defer p.Close()

	if err := p.Start(ctx); err != nil {
		return err
	}
	p.SetRoster(o.members)

	host, _ := elect.current()
	if err := p.SetHost(ctx, host); err != nil {
		return err
	}
	log.Info("joined call",
		zap.String("call", o.cfg.CallID), zap.String("participant", o.participantID), zap.String("host", host))

	if o.probe > 0 {
		go probe(ctx, p, o.probe)
	}

	<-ctx.Done()
	return nil
}

// election picks the lowest participant id that has not been reported
// unreachable.
type election struct {
	mu          sync.Mutex
	members     []string
	unreachable map[string]bool
}

func newElection(members []string) *election {
	m := slices.Clone(members)
	slices.Sort(m)
	return &election{members: m, unreachable: make(map[string]bool)}
}

func (e *election) current() (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, id := range e.members {
		if !e.unreachable[id] {
			return id, true
		}
	}
	return "", false
}

func (e *election) exclude(id string) (string, bool) {
	e.mu.Lock()
	e.unreachable[id] = true
	e.mu.Unlock()
	return e.current()
}

// probe seals and opens a frame locally and logs the slot epochs.
func probe(ctx context.Context, p *participant.Participant, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}

		slots := p.Slots()
		fields := []zap.Field{zap.Bool("host", p.IsHost())}
		if slots.Current != nil {
			fields = append(fields, zap.Uint64("current", slots.Current.Epoch))
		}
		if slots.Future != nil {
			fields = append(fields, zap.Uint64("future", slots.Future.Epoch))
		}

		frame, err := p.EncryptOutgoing([]byte("probe"))
		if err == nil {
			_, err = p.DecryptIncoming(ctx, frame)
		}
		if err != nil {
			fields = append(fields, zap.Error(err))
		}
		log.Info("probe", fields...)
	}
}
