// Command uactl drives a single pkg/ua.Agent over the line-delimited JSON
// command/event bus (§4.7): one busproto.Command object per line on stdin,
// one busproto.Answer object per line on stdout for each command, plus any
// busproto.Event objects the agent queues in the background (surfaced only
// through an explicit wait_for_event command, never interleaved on their
// own).
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/arzzra/go-uacore/pkg/busproto"
	"github.com/arzzra/go-uacore/pkg/config"
	"github.com/arzzra/go-uacore/pkg/logging"
	"github.com/arzzra/go-uacore/pkg/ua"
)

func main() {
	var (
		debug = flag.Bool("debug", false, "enable debug-level logging")
	)
	flag.Parse()

	log := logging.Default().WithComponent("uactl")
	if *debug {
		log.SetLevel(logging.LevelDebug)
	}

	agent, err := ua.New(config.Default(), log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "uactl: building agent: %v\n", err)
		os.Exit(1)
	}

	run(agent, os.Stdin, os.Stdout)
}

// run reads newline-delimited Command JSON from in, dispatches each through
// agent, and writes the resulting Answer JSON to out — one line per command,
// in request order, matching the request/response pairing wait_for_event
// callers rely on.
func run(agent *ua.Agent, in *os.File, out *os.File) {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	writer := bufio.NewWriter(out)
	defer writer.Flush()

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		cmd, err := busproto.ParseCommand(line)
		if err != nil {
			writeAnswer(writer, &busproto.Answer{
				Code:    busproto.CodeInternalError,
				Message: fmt.Sprintf("uactl: parsing command: %v", err),
			})
			continue
		}
		ans := agent.Dispatch(cmd)
		writeAnswer(writer, ans)
	}
}

func writeAnswer(w *bufio.Writer, ans *busproto.Answer) {
	data, err := ans.Marshal()
	if err != nil {
		data, _ = json.Marshal(&busproto.Answer{Code: busproto.CodeInternalError, Message: err.Error()})
	}
	w.Write(data)
	w.WriteByte('\n')
	w.Flush()
}
