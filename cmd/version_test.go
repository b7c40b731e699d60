package cmd

import (
	"fmt"
	"github.com/Bravo555/neomason-discord-bot/neomason"
	"github.com/stretchr/testify/assert"
	"io"
	"os"
	"testing"
)

func TestVersionCommand(t *testing.T) {
	originalVersion := neomason.Version
	originalCommitSHA := neomason.CommitSHA
	originalBuildTime := neomason.BuildTime

	t.Cleanup(
		func() {
			neomason.Version = originalVersion
			neomason.CommitSHA = originalCommitSHA
			neomason.BuildTime = originalBuildTime
		},
	)

	neomason.Version = "1.0.0"
	neomason.CommitSHA = "abc123"
	neomason.BuildTime = "2024-10-01T12:00:00Z"

	orig := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w
	t.Cleanup(
		func() {
			os.Stdout = orig
		},
	)

	versionCmd.Run(nil, nil)

	_ = w.Close()

	out, _ := io.ReadAll(r)
	output := string(out)
	t.Logf("output: %s", output)
	expected := fmt.Sprintf(
		"version=%s commit=%s built: %s",
		neomason.Version,
		neomason.CommitSHA,
		neomason.BuildTime,
	)
	assert.Equal(t, expected, output)
}
