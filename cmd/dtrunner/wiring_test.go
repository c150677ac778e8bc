package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"

	config "dtrunner/configs"
	"dtrunner/pkg/auth"
	"dtrunner/pkg/sink"
)

func TestEnvSink_OneOrderForEveryDestination(t *testing.T) {
	var buf bytes.Buffer
	e := &env{console: sink.Writer(&buf), ring: sink.NewRing(1000)}

	s := e.Sink()
	assert.Same(t, s, e.Sink(), "built once")

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				s.Emit(fmt.Sprintf("worker %d line %d", w, i))
			}
		}(w)
	}
	wg.Wait()

	console := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, console, 400)
	assert.Equal(t, console, e.ring.Lines())
}

func TestEnvIsolated(t *testing.T) {
	cliContext := func(args ...string) *cli.Context {
		set := flag.NewFlagSet("run", flag.ContinueOnError)
		set.Bool("isolated", false, "")
		require.NoError(t, set.Parse(args))
		return cli.NewContext(nil, set, nil)
	}

	e := &env{cfg: &config.Config{Isolated: true}}
	assert.True(t, e.isolated(cliContext()), "DT_ISOLATED applies without the flag")
	assert.False(t, e.isolated(cliContext("--isolated=false")), "flag wins")

	e.cfg.Isolated = false
	assert.False(t, e.isolated(cliContext()))
	assert.True(t, e.isolated(cliContext("--isolated")))
}

func TestAPIKeyCommand_PrintsUsableEntry(t *testing.T) {
	var buf bytes.Buffer
	app := &cli.App{Writer: &buf, Commands: []*cli.Command{apiKeyCommand()}}
	require.NoError(t, app.Run([]string{"dtrunner", "api-key", "--role", "operator", "ci"}))

	entry := strings.TrimSpace(buf.String())
	store, err := auth.ParseKeys([]string{entry})
	require.NoError(t, err)

	key := entry[strings.LastIndex(entry, ":")+1:]
	info, err := store.ValidateKey(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, auth.Principal{Name: "ci", Role: auth.RoleOperator}, info.Principal())
}
