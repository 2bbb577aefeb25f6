package channel

import (
	"fmt"
	"sync"

	"github.com/rs/xid"
	"github.com/spf13/viper"
	"github.com/tass-io/langworker/pkg/env"
	"github.com/tass-io/langworker/pkg/eventbus"
	"github.com/tass-io/langworker/pkg/function"
	"github.com/tass-io/langworker/pkg/workerconfig"
	"go.uber.org/zap"
)

// NewChannel builds the channel for one worker process, replaced in tests
var NewChannel = func(workerID string, config workerconfig.Config, rootPath string,
	registrations []*function.Registration, metrics MetricsSink, attempt int, publisher eventbus.Publisher) WorkerChannel {
	if viper.GetBool(env.Mock) {
		return NewMockChannel(workerID, config.Runtime, registrations, metrics, publisher)
	}
	return newProcessChannel(workerID, config, rootPath, registrations, metrics, attempt, publisher)
}

// DefaultManager creates channels from the worker configs and keeps at most one standby channel per runtime
type DefaultManager struct {
	sync.Locker
	configs   []workerconfig.Config
	rootPath  string
	publisher eventbus.Publisher
	metrics   MetricsSink
	// standby channels by runtime key
	standby map[string]WorkerChannel
}

var _ Manager = &DefaultManager{}

func NewDefaultManager(configs []workerconfig.Config, rootPath string, publisher eventbus.Publisher, metrics MetricsSink) *DefaultManager {
	return &DefaultManager{
		Locker:    &sync.Mutex{},
		configs:   configs,
		rootPath:  rootPath,
		publisher: publisher,
		metrics:   metricsOrNop(metrics),
		standby:   make(map[string]WorkerChannel),
	}
}

// Configs returns the configured worker runtimes
func (m *DefaultManager) Configs() []workerconfig.Config {
	return m.configs
}

func (m *DefaultManager) CreateWorkerChannel(workerID, rootScriptPath, runtime string, registrations []*function.Registration,
	metrics MetricsSink, attempt int) (WorkerChannel, error) {
	config, ok := workerconfig.Find(runtime, m.configs)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoWorkerConfig, runtime)
	}
	if rootScriptPath == "" {
		rootScriptPath = m.rootPath
	}
	zap.S().Debugw("create worker channel", "workerId", workerID, "runtime", runtime,
		"functions", function.Names(registrations), "attempt", attempt)
	return NewChannel(workerID, config, rootScriptPath, registrations, metrics, attempt, m.publisher), nil
}

// StartStandbyChannel starts a worker for the runtime before any function is known
func (m *DefaultManager) StartStandbyChannel(runtime string) error {
	key := function.RuntimeKey(runtime)
	m.Lock()
	if _, ok := m.standby[key]; ok {
		m.Unlock()
		return nil
	}
	m.Unlock()
	ch, err := m.CreateWorkerChannel(xid.New().String(), m.rootPath, runtime, nil, m.metrics, 0)
	if err != nil {
		return err
	}
	if err := ch.StartWorkerProcess(); err != nil {
		ch.Close()
		return err
	}
	m.Lock()
	if _, ok := m.standby[key]; ok {
		m.Unlock()
		ch.Close()
		return nil
	}
	m.standby[key] = ch
	m.Unlock()
	zap.S().Infow("standby worker channel started", "workerId", ch.ID(), "runtime", runtime)
	return nil
}

func (m *DefaultManager) GetChannel(runtime string) WorkerChannel {
	key := function.RuntimeKey(runtime)
	m.Lock()
	defer m.Unlock()
	ch, ok := m.standby[key]
	if !ok {
		return nil
	}
	delete(m.standby, key)
	return ch
}

func (m *DefaultManager) ShutdownChannelIfExists(workerID string) bool {
	m.Lock()
	var found WorkerChannel
	for key, ch := range m.standby {
		if ch.ID() == workerID {
			found = ch
			delete(m.standby, key)
			break
		}
	}
	m.Unlock()
	if found == nil {
		return false
	}
	zap.S().Infow("shutdown standby worker channel", "workerId", workerID, "runtime", found.Runtime())
	if err := found.Close(); err != nil {
		zap.S().Warnw("close standby worker channel error", "workerId", workerID, "err", err)
	}
	return true
}

func (m *DefaultManager) ShutdownStandbyChannels(functions []function.Metadata) {
	m.Lock()
	var unused []WorkerChannel
	for key, ch := range m.standby {
		needed := false
		for _, fn := range functions {
			if function.SameRuntime(fn.Runtime, ch.Runtime()) {
				needed = true
				break
			}
		}
		if !needed {
			unused = append(unused, ch)
			delete(m.standby, key)
		}
	}
	m.Unlock()
	for _, ch := range unused {
		zap.S().Infow("shutdown unused standby worker channel", "workerId", ch.ID(), "runtime", ch.Runtime())
		ch.Close()
	}
}

// StandbyRuntimes returns the runtime keys that have a standby channel
func (m *DefaultManager) StandbyRuntimes() []string {
	m.Lock()
	defer m.Unlock()
	runtimes := make([]string, 0, len(m.standby))
	for key := range m.standby {
		runtimes = append(runtimes, key)
	}
	return runtimes
}

// Shutdown closes every standby channel
func (m *DefaultManager) Shutdown() {
	m.ShutdownStandbyChannels(nil)
}
