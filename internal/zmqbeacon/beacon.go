// Package zmqbeacon broadcasts a low-rate aliveness heartbeat over a czmq
// PUB socket so other processes on the robot (or a operator's laptop) can
// discover a running cyclerd process and tell a live one from a stuck one,
// without going through the path-addressed control connection at all.
//
// The "set up a czmq PUB channeler once, publish small framed messages to
// it, Destroy it on shutdown" lifecycle is grounded in publish_data.go's
// DataPublisher.SetPubRecords/RemovePubRecords (czmq.NewPubChanneler,
// *czmq.Channeler.Destroy). There, the PUB socket carries trigger records;
// here it carries a fixed small struct naming the process and its cycler
// set, on a fixed period, the same way rpc_server.go's
// broadcastHeartbeat loop runs off a time.Tick(2 * time.Second) ticker.
package zmqbeacon

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	czmq "github.com/zeromq/goczmq"
)

// Beat is the payload sent on every heartbeat.
type Beat struct {
	Process   string    `json:"process"`
	Cyclers   []string  `json:"cyclers"`
	UptimeSec float64   `json:"uptime_sec"`
	SentAt    time.Time `json:"sent_at"`
}

// Beacon owns one czmq PUB channeler and periodically publishes a Beat.
type Beacon struct {
	process   string
	cyclers   []string
	started   time.Time
	period    time.Duration
	channeler *czmq.Channeler
}

// New creates a Beacon that will publish on endpoint (e.g.
// "tcp://*:17001") once Run is called. process names this instance (e.g.
// the robot's hostname) and cyclers lists the manifest cycler names it is
// running, both carried in every Beat so a discovery client doesn't need a
// separate lookup.
func New(endpoint, process string, cyclers []string, period time.Duration) *Beacon {
	return &Beacon{
		process:   process,
		cyclers:   cyclers,
		started:   time.Now(),
		period:    period,
		channeler: czmq.NewPubChanneler(endpoint),
	}
}

// Run publishes a Beat every period until ctx is cancelled, then destroys
// the underlying PUB socket. It blocks, so callers run it in its own
// goroutine.
func (b *Beacon) Run(ctx context.Context) {
	defer b.channeler.Destroy()
	ticker := time.NewTicker(b.period)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.publish()
		case <-ctx.Done():
			return
		}
	}
}

func (b *Beacon) publish() {
	beat := Beat{
		Process:   b.process,
		Cyclers:   b.cyclers,
		UptimeSec: time.Since(b.started).Seconds(),
		SentAt:    time.Now(),
	}
	encoded, err := json.Marshal(beat)
	if err != nil {
		log.Printf("zmqbeacon: encoding heartbeat: %v", err)
		return
	}
	b.channeler.SendChan <- [][]byte{encoded}
}

// DefaultEndpoint builds the conventional "tcp://*:<port>" publish address
// used across this process's czmq sockets.
func DefaultEndpoint(port int) string {
	return fmt.Sprintf("tcp://*:%d", port)
}
