// Command swf-send publishes workflow control commands to the runner's
// control queue. It shares the broker and config plumbing of the agents
// but exits as soon as the command is on the wire.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/eic-swf/testbed"
	"github.com/eic-swf/testbed/broker"
	"github.com/eic-swf/testbed/internal/runtime"
	"github.com/eic-swf/testbed/monitor"
)

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(),
		"usage: swf-send [flags] run|stop|status\n\nFlags:\n")
	flag.PrintDefaults()
}

func main() {
	configPath := flag.String("config", "", "path to testbed.toml (default $SWF_TESTBED_CONFIG, then ./testbed.toml)")
	workflowName := flag.String("workflow", "stf_datataking", "workflow name (run)")
	workflowConfig := flag.String("workflow-config", "", "workflow config name (run)")
	stfCount := flag.Int("stf-count", 0, "stf_count parameter override (run)")
	realtime := flag.Bool("realtime", true, "run in wall-clock time rather than as-fast-as-possible")
	executionID := flag.String("execution-id", "", "restrict stop to one execution (stop)")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() != 1 {
		usage()
		os.Exit(2)
	}
	command := flag.Arg(0)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := runtime.Bootstrap(ctx, runtime.Options{ConfigPath: *configPath, Debug: *debug})
	if err != nil {
		log.Fatal(err)
	}
	defer rt.Close(context.Background())
	defer rt.Broker.Close()

	env := testbed.Envelope{
		Namespace: rt.Testbed.Namespace,
		Timestamp: testbed.Timestamp(),
	}

	var msg any
	switch command {
	case "run":
		env.MsgType = testbed.MsgRunWorkflow
		params := map[string]any{}
		if *stfCount > 0 {
			params["stf_count"] = *stfCount
		}
		msg = &testbed.RunWorkflow{
			Envelope:     env,
			WorkflowName: *workflowName,
			Config:       *workflowConfig,
			Realtime:     realtime,
			Params:       params,
		}
	case "stop":
		env.MsgType = testbed.MsgStopWorkflow
		msg = &testbed.StopWorkflow{Envelope: env, StopExecutionID: *executionID}
	case "status":
		env.MsgType = testbed.MsgStatusRequest
		msg = &env
	default:
		usage()
		os.Exit(2)
	}

	if err := publish(ctx, rt.Broker, env.MsgType, rt.Testbed.Namespace, msg); err != nil {
		log.Fatal(err)
	}
	fmt.Printf("sent %s (namespace: %s)\n", env.MsgType, rt.Testbed.Namespace)

	recordDialogue(ctx, rt.Monitor, rt.Testbed.Namespace, command)
}

func publish(ctx context.Context, conn *broker.Conn, msgType, namespace string, msg any) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", msgType, err)
	}
	return conn.Publish(ctx, testbed.WorkflowControlQueue, body,
		broker.BroadcastHeaders(msgType, namespace, 0))
}

// recordDialogue appends the issued command to the user's dialogue memory
// when SWF_DIALOGUE_TURNS enables it. Best effort.
func recordDialogue(ctx context.Context, mon *monitor.Client, namespace, command string) {
	if runtime.DialogueTurns() == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_ = mon.RecordDialogue(ctx, &monitor.DialogueTurn{
		Username:  os.Getenv("USER"),
		Role:      "user",
		Content:   "swf-send " + strings.Join(os.Args[1:], " "),
		Namespace: namespace,
	})
}
