package plugin_test

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/taskqd/taskqd/internal/plugin"
	"github.com/taskqd/taskqd/pkg/testutil"
)

type recordingSink struct {
	mu     sync.Mutex
	events []string
}

func (r *recordingSink) record(ev string) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recordingSink) recorded() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recordingSink) OnAddTask(id int64)   { r.record(fmt.Sprintf("addTask:%d", id)) }
func (r *recordingSink) OnStartTask(id int64) { r.record(fmt.Sprintf("startTask:%d", id)) }
func (r *recordingSink) OnStopTask(id int64)  { r.record(fmt.Sprintf("stopTask:%d", id)) }
func (r *recordingSink) OnAddUser(id int64)   { r.record(fmt.Sprintf("addUser:%d", id)) }

func (r *recordingSink) OnEditTask(id int64, changes map[string]any) {
	r.record(fmt.Sprintf("editTask:%d:%d", id, len(changes)))
}

func (r *recordingSink) OnEditUser(id int64, changes map[string]any) {
	r.record(fmt.Sprintf("editUser:%d:%d", id, len(changes)))
}

func (r *recordingSink) OnAddPlugin(name string)      { r.record("addPlugin:" + name) }
func (r *recordingSink) OnRemovePlugin(name string)   { r.record("removePlugin:" + name) }
func (r *recordingSink) OnEditOption(key, val string) { r.record("editOption:" + key + "=" + val) }

type panickingSink struct{ recordingSink }

func (p *panickingSink) OnAddTask(id int64) { panic("boom") }

func TestFanout_DeliversToEverySink(t *testing.T) {
	f := plugin.NewFanout(testutil.SilentLogger())
	a, b := &recordingSink{}, &recordingSink{}
	f.Register(a)
	f.Register(b)

	f.AddTask(7)
	f.EditOption("OnExitAction", "1")

	for _, sink := range []*recordingSink{a, b} {
		require.Eventually(t, func() bool { return len(sink.recorded()) == 2 }, time.Second, time.Millisecond)
		assert.ElementsMatch(t, []string{"addTask:7", "editOption:OnExitAction=1"}, sink.recorded())
	}
}

func TestFanout_PanickingSinkDoesNotPoisonOthers(t *testing.T) {
	f := plugin.NewFanout(testutil.SilentLogger())
	bad := &panickingSink{}
	good := &recordingSink{}
	f.Register(bad)
	f.Register(good)

	f.AddTask(1)
	f.StopTask(2)

	require.Eventually(t, func() bool { return len(good.recorded()) == 2 }, time.Second, time.Millisecond)
	assert.ElementsMatch(t, []string{"addTask:1", "stopTask:2"}, good.recorded())
}

func TestHost_LoadUnloadAndTokens(t *testing.T) {
	var minted int
	h := plugin.NewHost(func() string {
		minted++
		return fmt.Sprintf("token-%d", minted)
	}, testutil.SilentLogger())

	require.True(t, h.Load("mail"))
	require.True(t, h.Load("audit"))
	assert.False(t, h.Load("mail")) // already loaded

	assert.Equal(t, []string{"audit", "mail"}, h.Loaded())
	assert.True(t, h.IsLoaded("audit"))
	assert.Equal(t, "token-1", h.Token("mail"))
	assert.Equal(t, "token-2", h.Token("audit"))

	require.True(t, h.Unload("mail"))
	assert.False(t, h.Unload("mail"))
	assert.False(t, h.IsLoaded("mail"))
	assert.Empty(t, h.Token("mail"))
}

func TestParseNames(t *testing.T) {
	assert.Empty(t, plugin.ParseNames(""))
	assert.Equal(t, []string{"mail", "audit"}, plugin.ParseNames("mail\naudit"))
	assert.Equal(t, []string{"mail"}, plugin.ParseNames("\nmail\n\n"))
	assert.Equal(t, "mail\naudit", plugin.EncodeNames([]string{"mail", "audit"}))
}
