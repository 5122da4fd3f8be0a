package browser

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuildArgsDefaults(t *testing.T) {
	l := NewLauncher(Config{
		CDPAddress: "127.0.0.1",
		CDPPort:    9222,
		ProfileDir: "/tmp/profile",
		StartURL:   "https://example.com",
	})

	args := l.buildArgs()
	assert.Contains(t, args, "--remote-debugging-port=9222")
	assert.Contains(t, args, "--user-data-dir=/tmp/profile")
	assert.Contains(t, args, "--window-size=1440,900")
	assert.NotContains(t, args, "--headless=new")
	assert.NotContains(t, args, "--disable-background-networking")
	// Start URL goes last so Chromium treats it as the initial page.
	assert.Equal(t, "https://example.com", args[len(args)-1])
}

func TestBuildArgsReplayProfile(t *testing.T) {
	l := NewLauncher(Config{
		CDPAddress:   "127.0.0.1",
		CDPPort:      9223,
		ProfileDir:   "/tmp/profile",
		Headless:     true,
		QuietNetwork: true,
		ExtraArgs:    []string{"--lang=en-US"},
	})

	args := l.buildArgs()
	assert.Contains(t, args, "--headless=new")
	assert.Contains(t, args, "--disable-background-networking")
	assert.Contains(t, args, "--lang=en-US")
}
