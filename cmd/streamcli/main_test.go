package main

import (
	"bytes"
	"encoding/json"
	"slices"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/ggoodman/sportstream-go/frame"
)

func TestChannelList(t *testing.T) {
	var c channelList
	for _, v := range []string{"pressure.g1", "game.nfl.g1, insights.nfl.g1", " ,"} {
		if err := c.Set(v); err != nil {
			t.Fatalf("set %q: %v", v, err)
		}
	}
	want := []string{"pressure.g1", "game.nfl.g1", "insights.nfl.g1"}
	if !slices.Equal(want, []string(c)) {
		t.Fatalf("want %v got %v", want, c)
	}
	if got := c.String(); got != strings.Join(want, ",") {
		t.Fatalf("unexpected String %q", got)
	}
}

func TestPrintEvent(t *testing.T) {
	color.NoColor = true
	var buf bytes.Buffer
	printEvent(&buf, frame.Event("pressure.g1", 3, json.RawMessage(`{"v":1}`)))
	printEvent(&buf, frame.ErrorFrame(frame.Errorf(frame.CodeTierDenied, "upgrade"), ""))

	want := "pressure.g1 #3 {\"v\":1}\nerror {\"code\":\"TierDenied\",\"message\":\"upgrade\"}\n"
	if got := buf.String(); got != want {
		t.Fatalf("want %q got %q", want, got)
	}
}
