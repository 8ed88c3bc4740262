// Command cyclerd runs the cyclic dataflow runtime: it assembles the
// manifest's cyclers, starts the path-addressed server, the parameter tree,
// the recorder, the aliveness beacon, and the control RPC surface, then
// blocks until asked to shut down.
//
// Configuration loading mirrors rpc_server.go's viper.ConfigFileUsed/
// viper.UnmarshalKey usage: a top-level cyclerd.yaml, overridable by
// CYCLERD_-prefixed environment variables, carries process-wide settings
// distinct from the per-robot Parameters tree (which is not loaded through
// viper at all).
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"reflect"
	"syscall"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/spf13/viper"

	"github.com/hulks-sub008/cyclerd/internal/control"
	"github.com/hulks-sub008/cyclerd/internal/cycler"
	"github.com/hulks-sub008/cyclerd/internal/nodes"
	"github.com/hulks-sub008/cyclerd/internal/params"
	"github.com/hulks-sub008/cyclerd/internal/pathtree"
	"github.com/hulks-sub008/cyclerd/internal/recorder"
	"github.com/hulks-sub008/cyclerd/internal/server"
	"github.com/hulks-sub008/cyclerd/internal/snapshot"
	"github.com/hulks-sub008/cyclerd/internal/zmqbeacon"
)

type config struct {
	ServerAddr     string
	ControlAddr    string
	BeaconEndpoint string
	BeaconPeriod   time.Duration
	ParamDir       string
	Location       string
	BodyID         string
	HeadID         string
	RecordDir      string
	JointCount     int
}

func loadConfig() config {
	viper.SetConfigName("cyclerd")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("/etc/cyclerd")
	viper.SetEnvPrefix("CYCLERD")
	viper.AutomaticEnv()

	viper.SetDefault("server_addr", ":8080")
	viper.SetDefault("control_addr", ":8081")
	viper.SetDefault("beacon_endpoint", zmqbeacon.DefaultEndpoint(17001))
	viper.SetDefault("beacon_period_ms", 2000)
	viper.SetDefault("param_dir", "./config/parameters")
	viper.SetDefault("location", "default")
	viper.SetDefault("body_id", "default")
	viper.SetDefault("head_id", "default")
	viper.SetDefault("record_dir", "./recordings")
	viper.SetDefault("joint_count", 20)

	if err := viper.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			log.Printf("cyclerd: error reading config file: %v", err)
		}
	} else {
		log.Printf("cyclerd: using config file %s", viper.ConfigFileUsed())
	}

	return config{
		ServerAddr:     viper.GetString("server_addr"),
		ControlAddr:    viper.GetString("control_addr"),
		BeaconEndpoint: viper.GetString("beacon_endpoint"),
		BeaconPeriod:   time.Duration(viper.GetInt("beacon_period_ms")) * time.Millisecond,
		ParamDir:       viper.GetString("param_dir"),
		Location:       viper.GetString("location"),
		BodyID:         viper.GetString("body_id"),
		HeadID:         viper.GetString("head_id"),
		RecordDir:      viper.GetString("record_dir"),
		JointCount:     viper.GetInt("joint_count"),
	}
}

func main() {
	cfg := loadConfig()
	log.Printf("cyclerd: starting with config %s", spew.Sdump(cfg))

	asm := nodes.Assemble(cfg.JointCount)

	paramTree := params.NewTree(4)
	identity := params.Identity{Location: cfg.Location, BodyID: cfg.BodyID, HeadID: cfg.HeadID}
	if err := paramTree.Load(cfg.ParamDir, identity); err != nil {
		log.Printf("cyclerd: loading parameters from %s: %v (continuing with an empty tree)", cfg.ParamDir, err)
	}
	asm.Runtime.SetParameterSource(paramTree)

	registry := server.NewRegistry(asm.Runtime)
	registry.SetParameterWriter(paramTree.Write)
	broadcaster := server.NewBroadcaster()
	if err := registerOutputs(registry, asm); err != nil {
		log.Fatalf("cyclerd: registering path tree roots: %v", err)
	}
	if err := wireBroadcasts(asm, broadcaster); err != nil {
		log.Fatalf("cyclerd: wiring subscription push hooks: %v", err)
	}

	if err := os.MkdirAll(cfg.RecordDir, 0o755); err != nil {
		log.Printf("cyclerd: creating recording directory %s: %v", cfg.RecordDir, err)
	}
	recWriter := recorder.NewWriter(fmt.Sprintf("%s/%d.cyclerd", cfg.RecordDir, time.Now().UnixNano()))
	if err := recWriter.CreateFile(); err != nil {
		log.Printf("cyclerd: %v (recording disabled for this run)", err)
	} else if err := recWriter.WriteHeader(recorder.Header{
		StartedAt:   time.Now(),
		Label:       "startup",
		CyclerPaths: []string{"Vision.main", "Behavior.main"},
	}); err != nil {
		log.Printf("cyclerd: writing recording header: %v", err)
	}

	cancel := cycler.NewCancelToken()
	controller := control.NewController([]string{"Vision", "Behavior"}, cancel)

	controlListener, err := net.Listen("tcp", cfg.ControlAddr)
	if err != nil {
		log.Fatalf("cyclerd: listening for control connections on %s: %v", cfg.ControlAddr, err)
	}
	go func() {
		if err := control.Serve(controlListener, controller); err != nil {
			log.Printf("cyclerd: control server stopped: %v", err)
		}
	}()

	beacon := zmqbeacon.New(cfg.BeaconEndpoint, "cyclerd", []string{"Vision", "Behavior"}, cfg.BeaconPeriod)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-cancel.Done()
		stop()
	}()

	go asm.Vision.Run(ctx, cycler.NewTickerSource(30*time.Millisecond))
	go asm.Behavior.Run(ctx, cycler.NewTickerSource(10*time.Millisecond))
	go beacon.Run(ctx)
	go controller.RunHeartbeat(ctx, 2*time.Second)
	go forwardControlUpdates(controller, broadcaster)
	if recWriter.HeaderWritten() {
		go recordLoop(ctx, recWriter, asm)
	}

	httpServer := &http.Server{Addr: cfg.ServerAddr, Handler: server.New(registry, broadcaster)}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("cyclerd: path server stopped: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("cyclerd: shutting down")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	httpServer.Shutdown(shutdownCtx)
	controlListener.Close()
	recWriter.Close()
}

// registerOutputs wires each cycler's MainOutputs/AdditionalOutputs into the
// path-addressed registry under "<Cycler>.main"/"<Cycler>.additional", the
// root layout internal/server's splitInstancePath expects.
func registerOutputs(registry *server.Registry, asm *nodes.Assembly) error {
	visionReader := asm.Vision.NewReader()
	visionAdditionalReader := asm.Vision.NewAdditionalReader()
	behaviorReader := asm.Behavior.NewReader()
	behaviorAdditionalReader := asm.Behavior.NewAdditionalReader()

	if err := registerRoot(registry, "Vision.main", nodes.VisionMainOutputs{}, func() interface{} {
		g := visionReader.BorrowForRead()
		defer g.Release()
		return *g.Value()
	}); err != nil {
		return err
	}
	if err := registerRoot(registry, "Vision.additional", nodes.VisionAdditionalOutputs{}, func() interface{} {
		g := visionAdditionalReader.BorrowForRead()
		defer g.Release()
		return *g.Value()
	}); err != nil {
		return err
	}
	if err := registerRoot(registry, "Behavior.main", nodes.BehaviorMainOutputs{}, func() interface{} {
		g := behaviorReader.BorrowForRead()
		defer g.Release()
		return *g.Value()
	}); err != nil {
		return err
	}
	return registerRoot(registry, "Behavior.additional", nodes.BehaviorAdditionalOutputs{}, func() interface{} {
		g := behaviorAdditionalReader.BorrowForRead()
		defer g.Release()
		return *g.Value()
	})
}

// registerRoot walks sample's type once to build its Schema, then registers
// it under root with fetch as the live-value source.
func registerRoot(registry *server.Registry, root string, sample interface{}, fetch func() interface{}) error {
	schema, err := pathtree.Walk(reflect.TypeOf(sample))
	if err != nil {
		return fmt.Errorf("cyclerd: building schema for %s: %w", root, err)
	}
	return registry.RegisterRoot(root, schema, fetch)
}

// wireBroadcasts installs a commit hook on each cycler that pushes every
// leaf of its just-committed MainOutputs/AdditionalOutputs through
// broadcaster, under the same "<Cycler>.main"/"<Cycler>.additional" path
// namespace registerOutputs registers. Broadcaster.PushJSON only actually
// reaches connections currently subscribed to a given leaf, so this is the
// delivery half of the subscribe/unsubscribe protocol internal/server
// otherwise only samples a value for once, at subscribe time.
func wireBroadcasts(asm *nodes.Assembly, broadcaster *server.Broadcaster) error {
	pushVisionMain, err := newLeafPusher[nodes.VisionMainOutputs](broadcaster, "Vision.main")
	if err != nil {
		return err
	}
	pushVisionAdditional, err := newLeafPusher[nodes.VisionAdditionalOutputs](broadcaster, "Vision.additional")
	if err != nil {
		return err
	}
	asm.Vision.SetCommitHook(func(main nodes.VisionMainOutputs, additional nodes.VisionAdditionalOutputs) {
		pushVisionMain(main)
		pushVisionAdditional(additional)
	})

	pushBehaviorMain, err := newLeafPusher[nodes.BehaviorMainOutputs](broadcaster, "Behavior.main")
	if err != nil {
		return err
	}
	pushBehaviorAdditional, err := newLeafPusher[nodes.BehaviorAdditionalOutputs](broadcaster, "Behavior.additional")
	if err != nil {
		return err
	}
	asm.Behavior.SetCommitHook(func(main nodes.BehaviorMainOutputs, additional nodes.BehaviorAdditionalOutputs) {
		pushBehaviorMain(main)
		pushBehaviorAdditional(additional)
	})
	return nil
}

// newLeafPusher walks T's schema once and returns a function that pushes
// every declared leaf's current value to broadcaster under "<root>.<leaf>".
func newLeafPusher[T any](broadcaster *server.Broadcaster, root string) (func(T), error) {
	var sample T
	schema, err := pathtree.Walk(reflect.TypeOf(sample))
	if err != nil {
		return nil, fmt.Errorf("cyclerd: building broadcast schema for %s: %w", root, err)
	}
	leaves := schema.Leaves()
	return func(value T) {
		for _, leaf := range leaves {
			v, err := pathtree.Get(value, leaf)
			if err != nil {
				continue
			}
			broadcaster.PushJSON(root+"."+leaf, v)
		}
	}, nil
}

func forwardControlUpdates(controller *control.Controller, broadcaster *server.Broadcaster) {
	for update := range controller.Updates() {
		broadcaster.PushJSON("control."+update.Kind, update.Payload)
	}
}

// recordLoop appends a frame per cycler on a fixed cadence for as long as
// ctx is live, flushing the recorder's buffer after each round so a
// crash loses at most one round of frames.
func recordLoop(ctx context.Context, w *recorder.Writer, asm *nodes.Assembly) {
	visionReader := asm.Vision.NewReader()
	behaviorReader := asm.Behavior.NewReader()
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			writeSnapshotFrame(w, "Vision.main", visionReader)
			writeSnapshotFrame(w, "Behavior.main", behaviorReader)
			if err := w.Flush(); err != nil {
				log.Printf("cyclerd: flushing recording: %v", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// writeSnapshotFrame JSON-encodes reader's latest committed value and
// appends it as one recording frame, tagged with label in the (unused by
// the frame format itself, but useful for a future per-cycler split)
// calling convention every writeSnapshotFrame call follows.
func writeSnapshotFrame[T any](w *recorder.Writer, label string, reader *snapshot.Reader[T]) {
	g := reader.BorrowForRead()
	value := *g.Value()
	g.Release()

	encoded, err := json.Marshal(value)
	if err != nil {
		log.Printf("cyclerd: encoding %s frame: %v", label, err)
		return
	}
	if err := w.WriteFrame(time.Now(), encoded); err != nil {
		log.Printf("cyclerd: writing %s frame: %v", label, err)
	}
}
