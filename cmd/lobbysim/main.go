// Command lobbysim runs a scripted lobby round trip against the
// in-memory directory: a host creates a lobby with a join code, a guest
// finds it by that code and joins, the host hands the lobby over by
// leaving, and the guest tears it down. Useful for eyeballing event
// ordering and log output without a real backend.
package main

import (
	"context"
	"os"
	"time"

	"github.com/google/uuid"
	_ "github.com/joho/godotenv/autoload"
	"github.com/sirupsen/logrus"

	"github.com/bodzio28/lobbycore/internal/config"
	"github.com/bodzio28/lobbycore/internal/memdir"
	"github.com/bodzio28/lobbycore/internal/roster"
	"github.com/bodzio28/lobbycore/internal/session"
)

var flags struct {
	verbose bool
}

func main() {
	for _, arg := range os.Args[1:] {
		if arg == "-v" {
			flags.verbose = true
		}
	}

	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if flags.verbose {
		log.SetLevel(logrus.DebugLevel)
	}

	cfg := config.FromEnv()
	dir := memdir.New(memdir.Options{
		PropagationDelay: 50 * time.Millisecond,
		SearchIndexDelay: 100 * time.Millisecond,
	}, log)

	hostID := uuid.NewString()
	guestID := uuid.NewString()

	hostClient := dir.Connect(hostID)
	defer hostClient.Close()
	guestClient := dir.Connect(guestID)
	defer guestClient.Close()

	host := session.New(hostClient, hostID, cfg, log)
	defer host.Shutdown()
	guest := session.New(guestClient, guestID, cfg, log)
	defer guest.Shutdown()

	host.Events.RosterUpdated = logRoster(log, "host")
	guest.Events.RosterUpdated = logRoster(log, "guest")
	guest.Events.SessionJoined = func(lobbyID string) {
		log.WithField("lobby_id", lobbyID).Info("guest joined")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	host.SetPendingNickname("Host")
	guest.SetPendingNickname("Guest")

	if err := host.CreateSession(ctx, joinCode(), 4, true); err != nil {
		log.WithField("error", err).Fatal("create failed")
	}
	log.WithFields(logrus.Fields{
		"lobby_id":  host.CurrentLobbyID(),
		"join_code": host.CustomID(),
	}).Info("lobby created")

	if err := guest.JoinByCustomID(ctx, host.CustomID()); err != nil {
		log.WithField("error", err).Fatal("join failed")
	}

	if err := guest.SetMyTeam(ctx, roster.TeamBlue); err != nil {
		log.WithField("error", err).Warn("team switch failed")
	}
	time.Sleep(200 * time.Millisecond)

	// Host leaves; ownership should migrate to the guest.
	if err := host.LeaveSession(ctx); err != nil {
		log.WithField("error", err).Fatal("host leave failed")
	}
	time.Sleep(200 * time.Millisecond)
	log.WithField("is_owner", guest.IsOwner()).Info("guest ownership after host leave")

	if err := guest.LeaveSession(ctx); err != nil {
		log.WithField("error", err).Fatal("guest leave failed")
	}

	// Shutdown is idempotent; doing it here lets the handle count below
	// prove nothing leaked.
	host.Shutdown()
	guest.Shutdown()
	log.WithFields(logrus.Fields{
		"lobbies":      dir.Lobbies(),
		"live_handles": dir.LiveHandles(),
	}).Info("round trip complete")
}

func logRoster(log *logrus.Logger, who string) func([]roster.Member) {
	return func(members []roster.Member) {
		for _, m := range members {
			log.WithFields(logrus.Fields{
				"side":  who,
				"name":  m.DisplayName,
				"team":  m.Team,
				"owner": m.IsOwner,
			}).Info("roster entry")
		}
	}
}

// joinCode generates a 6 character code in the style players share over
// voice chat.
func joinCode() string {
	const alphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	id := uuid.New()
	code := make([]byte, 6)
	for i := range code {
		code[i] = alphabet[int(id[i])%len(alphabet)]
	}
	return string(code)
}
