package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/aeolun/mcconnect/pkg/client"
	"github.com/aeolun/mcconnect/pkg/database"
	"github.com/aeolun/mcconnect/pkg/protocol"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
)

const replyTimeout = 5 * time.Second

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run a fake Minecraft server against a relay",
	Long: `Connect to a relay as a Minecraft server plugin, join a set of fake
players, send their statistics periodically and quit them again when the
run ends. Useful as a load test and as an end-to-end smoke test.`,
	PreRunE: bindFlags,
	RunE:    runSimulate,
}

func init() {
	key := "addr"
	simulateCmd.Flags().String(key, "localhost:9991", wrapString("Relay address (host:port, ws://host:port)"))
	key = "token"
	simulateCmd.Flags().String(key, "", wrapString("Plugin token of a registered server"))
	key = "players"
	simulateCmd.Flags().Int(key, 10, wrapString("Number of fake players"))
	key = "duration"
	simulateCmd.Flags().Duration(key, time.Minute, wrapString("How long to run"))
	key = "stats-interval"
	simulateCmd.Flags().Duration(key, 5*time.Second, wrapString("How often each player sends statistics"))
	_ = simulateCmd.MarkFlagRequired("token")
}

// simStats tracks what the simulation did
type simStats struct {
	joins        atomic.Int64
	quits        atomic.Int64
	statsSent    atomic.Int64
	failures     atomic.Int64
	loginPins    atomic.Int64
	statsQueries atomic.Int64
	totalReplyUs atomic.Int64
	replies      atomic.Int64
}

func (s *simStats) recordReply(start time.Time) {
	s.replies.Add(1)
	s.totalReplyUs.Add(time.Since(start).Microseconds())
}

func (s *simStats) avgReplyMs() float64 {
	n := s.replies.Load()
	if n == 0 {
		return 0
	}
	return float64(s.totalReplyUs.Load()) / float64(n) / 1000.0
}

// fakeServer plays the plugin side of one Minecraft server
type fakeServer struct {
	conn    *client.Connection
	stats   *simStats
	players []string

	// Serialises request/reply pairs; replies carry no correlation id
	requestMu sync.Mutex
}

// request sends msg and waits for the relay's reply
func (f *fakeServer) request(ctx context.Context, send func(context.Context) (protocol.ReplyCode, error)) (protocol.ReplyCode, error) {
	f.requestMu.Lock()
	defer f.requestMu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, replyTimeout)
	defer cancel()

	start := time.Now()
	code, err := send(ctx)
	if err == nil {
		f.stats.recordReply(start)
	}
	return code, err
}

func (f *fakeServer) join(ctx context.Context, playerUUID string) {
	code, err := f.request(ctx, func(ctx context.Context) (protocol.ReplyCode, error) {
		return f.conn.Join(ctx, playerUUID)
	})
	if err != nil || !code.IsSuccess() {
		f.stats.failures.Add(1)
		return
	}
	f.stats.joins.Add(1)
}

func (f *fakeServer) quit(ctx context.Context, playerUUID string) {
	code, err := f.request(ctx, func(ctx context.Context) (protocol.ReplyCode, error) {
		return f.conn.Quit(ctx, playerUUID)
	})
	if err != nil || !code.IsSuccess() {
		f.stats.failures.Add(1)
		return
	}
	f.stats.quits.Add(1)
}

func (f *fakeServer) sendStats(playerUUID string) {
	if err := f.conn.SendStats(playerUUID, randomStatsBlob()); err != nil {
		f.stats.failures.Add(1)
		return
	}
	f.stats.statsSent.Add(1)
}

// listen answers relay pushes until ctx is done
func (f *fakeServer) listen(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case push, ok := <-f.conn.Pushes():
			if !ok {
				return nil
			}
			if push == protocol.PushSendAllStats {
				f.stats.statsQueries.Add(1)
				for _, p := range f.players {
					f.sendStats(p)
				}
			}
		case pin, ok := <-f.conn.LoginPins():
			if !ok {
				return nil
			}
			f.stats.loginPins.Add(1)
			log.Printf("Login PIN for %s: %s", pin.PlayerUUID, pin.Pin)
		case err, ok := <-f.conn.Errors():
			if !ok {
				return nil
			}
			return fmt.Errorf("relay connection lost: %w", err)
		}
	}
}

// play keeps one player online, sending stats every interval
func (f *fakeServer) play(ctx context.Context, playerUUID string, interval time.Duration) {
	f.join(ctx, playerUUID)

	// Spread the players over the interval
	jitter := time.Duration(rand.Int63n(int64(interval)))
	select {
	case <-time.After(jitter):
	case <-ctx.Done():
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			f.sendStats(playerUUID)
		case <-ctx.Done():
			// Quit on a fresh context; ctx is already done
			f.quit(context.Background(), playerUUID)
			return
		}
	}
}

var statItems = []string{"stone", "dirt", "oak_log", "diamond_pickaxe", "iron_sword", "bread", "zombie", "jump", "walk_one_cm"}

// randomStatsBlob builds a stats document in the Minecraft stats file format
func randomStatsBlob() string {
	stats := make(map[string]map[string]int)
	for _, category := range database.StatCategories {
		if rand.Intn(2) == 0 {
			continue
		}
		items := make(map[string]int)
		for _, item := range statItems {
			if rand.Intn(3) == 0 {
				items["minecraft:"+item] = 1 + rand.Intn(1000)
			}
		}
		stats["minecraft:"+category] = items
	}

	blob, _ := json.Marshal(map[string]interface{}{"stats": stats, "DataVersion": 3465})
	return string(blob)
}

func runSimulate(cmd *cobra.Command, _ []string) error {
	addr := viper.GetString("addr")
	numPlayers := viper.GetInt("players")
	duration := viper.GetDuration("duration")
	interval := viper.GetDuration("stats-interval")
	if interval <= 0 {
		return fmt.Errorf("stats-interval must be positive")
	}

	conn, err := client.NewConnection(addr)
	if err != nil {
		return err
	}
	if viper.GetBool("debug") {
		conn.SetLogger(log.New(os.Stderr, "DEBUG: ", log.LstdFlags))
	}
	if err := conn.Connect(); err != nil {
		return fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	defer conn.Close()

	authCtx, cancel := context.WithTimeout(cmd.Context(), replyTimeout)
	code, err := conn.Authenticate(authCtx, viper.GetString("token"))
	cancel()
	if err != nil {
		return fmt.Errorf("authentication failed: %w", err)
	}
	if !code.IsSuccess() {
		return fmt.Errorf("authentication rejected: %s", code.Message())
	}

	players := make([]string, numPlayers)
	for i := range players {
		players[i] = uuid.NewString()
	}

	stats := &simStats{}
	sim := &fakeServer{conn: conn, stats: stats, players: players}

	log.Printf("Starting simulation:")
	log.Printf("  Relay: %s", conn.GetAddress())
	log.Printf("  Players: %d", numPlayers)
	log.Printf("  Duration: %v", duration)
	log.Printf("  Stats interval: %v", interval)

	sigCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	runCtx, cancelRun := context.WithTimeout(sigCtx, duration)
	defer cancelRun()

	g, ctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return sim.listen(ctx) })

	var playersWG sync.WaitGroup
	for _, p := range players {
		playersWG.Add(1)
		go func(p string) {
			defer playersWG.Done()
			sim.play(ctx, p, interval)
		}(p)
	}

	// Stats reporter
	g.Go(func() error {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()

		startTime := time.Now()
		for {
			select {
			case <-ticker.C:
				elapsed := time.Since(startTime).Seconds()
				sent := stats.statsSent.Load()
				log.Printf("Stats: %d joined, %d stats sent (%.1f/s), %d failed, avg reply %.2fms",
					stats.joins.Load(), sent, float64(sent)/elapsed, stats.failures.Load(), stats.avgReplyMs())
			case <-ctx.Done():
				return nil
			}
		}
	})

	err = g.Wait()
	playersWG.Wait()

	log.Printf("=== Final Results ===")
	log.Printf("Joins: %d", stats.joins.Load())
	log.Printf("Quits: %d", stats.quits.Load())
	log.Printf("Stats sent: %d", stats.statsSent.Load())
	log.Printf("Stats requests from relay: %d", stats.statsQueries.Load())
	log.Printf("Login PINs received: %d", stats.loginPins.Load())
	log.Printf("Failures: %d", stats.failures.Load())
	log.Printf("Heartbeats answered: %d", conn.HeartbeatsAnswered())
	log.Printf("Average reply time: %.2fms", stats.avgReplyMs())
	log.Printf("Traffic: %d bytes sent, %d bytes received", conn.GetBytesSent(), conn.GetBytesReceived())

	return err
}
