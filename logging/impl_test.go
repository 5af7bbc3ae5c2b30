package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"testing"

	"go.viam.com/test"
)

type poolReport struct {
	Pool  string
	Bytes int
	items int
}

// assertLogMatches fuzzy matches a console log line. The time and line number are only checked
// for shape.
func assertLogMatches(t *testing.T, actual *bytes.Buffer, expected string) {
	t.Helper()

	output, err := actual.ReadString('\n')
	test.That(t, err, test.ShouldBeNil)

	actualParts := strings.Split(strings.TrimSuffix(output, "\n"), "\t")
	expectedParts := strings.Split(expected, "\t")
	test.That(t, len(actualParts), test.ShouldEqual, len(expectedParts))
	test.That(t, len(actualParts[0]), test.ShouldEqual, len(expectedParts[0]))
	// Level and logger name.
	test.That(t, actualParts[1], test.ShouldEqual, expectedParts[1])
	test.That(t, actualParts[2], test.ShouldEqual, expectedParts[2])

	actualFilename, actualLineNumber, found := strings.Cut(actualParts[3], ":")
	test.That(t, found, test.ShouldBeTrue)
	expectedFilename, _, found := strings.Cut(expectedParts[3], ":")
	test.That(t, found, test.ShouldBeTrue)
	test.That(t, actualFilename, test.ShouldEqual, expectedFilename)
	_, err = strconv.Atoi(actualLineNumber)
	test.That(t, err, test.ShouldBeNil)

	test.That(t, actualParts[4], test.ShouldEqual, expectedParts[4])
	if len(actualParts) == 5 {
		return
	}

	expectedMap := make(map[string]any)
	test.That(t, json.Unmarshal([]byte(expectedParts[5]), &expectedMap), test.ShouldBeNil)
	actualMap := make(map[string]any)
	test.That(t, json.Unmarshal([]byte(actualParts[5]), &actualMap), test.ShouldBeNil)
	test.That(t, actualMap, test.ShouldResemble, expectedMap)
}

func TestConsoleOutputFormat(t *testing.T) {
	notStdout := &bytes.Buffer{}
	logger := &impl{"fusion", NewAtomicLevelAt(DEBUG), true, []Appender{NewWriterAppender(notStdout)}}

	logger.Info("integration paused")
	assertLogMatches(t, notStdout,
		`2023-10-30T09:12:09.459Z	INFO	fusion	logging/impl_test.go:67	integration paused`)

	logger.Infof("volume %d allocated", 3)
	assertLogMatches(t, notStdout,
		`2023-10-30T09:12:09.459Z	INFO	fusion	logging/impl_test.go:71	volume 3 allocated`)

	logger.Warnw("pool full", "pool", "tsdf", "report", poolReport{"tsdf", 2048, 1})
	assertLogMatches(t, notStdout,
		`2023-10-30T09:12:09.459Z	WARN	fusion	logging/impl_test.go:75	pool full	{"pool":"tsdf","report":{"Pool":"tsdf","Bytes":2048}}`)

	logger.Errorw("unpaired", "key")
	assertLogMatches(t, notStdout,
		`2023-10-30T09:12:09.459Z	ERROR	fusion	logging/impl_test.go:79	unpaired	{"key":"unpaired log key"}`)
}

func TestLevels(t *testing.T) {
	notStdout := &bytes.Buffer{}
	logger := &impl{"fusion", NewAtomicLevelAt(WARN), true, []Appender{NewWriterAppender(notStdout)}}

	logger.Debug("dropped")
	logger.Info("dropped")
	test.That(t, notStdout.Len(), test.ShouldEqual, 0)

	logger.CDebugf(EnableDebugMode(context.Background(), ""), "kept %s", "debug")
	test.That(t, notStdout.String(), test.ShouldContainSubstring, "kept debug")

	logger.SetLevel(DEBUG)
	test.That(t, logger.GetLevel(), test.ShouldEqual, DEBUG)

	level, err := LevelFromString("WARNING")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, level, test.ShouldEqual, WARN)
	_, err = LevelFromString("loud")
	test.That(t, err, test.ShouldNotBeNil)
}

func TestSublogger(t *testing.T) {
	logger, observed := NewObservedTestLogger(t)
	sub := logger.Sublogger("hierarchy").Sublogger("pools")
	sub.Errorw("pool full", "pool", "level1")

	entries := observed.FilterMessage("pool full").All()
	test.That(t, entries, test.ShouldHaveLength, 1)
	test.That(t, entries[0].LoggerName, test.ShouldEqual, "hierarchy.pools")
	test.That(t, entries[0].ContextMap()["pool"], test.ShouldEqual, "level1")
}

func TestDebugModeContext(t *testing.T) {
	ctx := context.Background()
	test.That(t, IsDebugMode(ctx), test.ShouldBeFalse)

	ctx = EnableDebugMode(ctx, "frame")
	test.That(t, IsDebugMode(ctx), test.ShouldBeTrue)
	test.That(t, GetName(ctx), test.ShouldEqual, "frame")

	test.That(t, GetName(EnableDebugMode(context.Background(), "")), test.ShouldHaveLength, 6)
}
