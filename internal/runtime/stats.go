package runtime

import (
	"slices"
	"strings"
	"time"

	"github.com/drblury/commandflow/internal/runtime/dispatch"
	"github.com/drblury/commandflow/internal/runtime/masterjob"
	"github.com/drblury/commandflow/internal/runtime/outgoing"
	"github.com/drblury/commandflow/internal/runtime/poll"
	"github.com/drblury/commandflow/internal/runtime/schedule"
	"github.com/drblury/commandflow/internal/runtime/scheduler"
	"github.com/drblury/commandflow/transport"
)

// TransportStatistics names the active transport and what it supports.
type TransportStatistics struct {
	PubSubSystem     string `json:"pubsub_system"`
	Name             string `json:"name,omitempty"`
	Broadcast        bool   `json:"broadcast"`
	ReliableDelivery bool   `json:"reliable_delivery"`
	NativeDLQ        bool   `json:"native_dlq"`
	Ordering         bool   `json:"ordering"`
}

// Statistics is a point-in-time view of every runtime component.
type Statistics struct {
	ServiceName string              `json:"service_name"`
	ServiceID   string              `json:"service_id"`
	CollectedAt time.Time           `json:"collected_at"`
	Transport   TransportStatistics `json:"transport"`
	Scheduler   scheduler.Stats     `json:"scheduler"`
	PollClients []poll.ClientStats  `json:"poll_clients"`
	Listeners   []ListenerStats     `json:"listeners"`
	Dispatcher  dispatch.Stats      `json:"dispatcher"`
	Outgoing    outgoing.Stats      `json:"outgoing"`
	MasterJobs  []masterjob.Stats   `json:"master_jobs"`
	Schedules   []schedule.Stats    `json:"schedules"`
	Resources   ResourceUsage       `json:"resources"`
}

// CommandStatistics pairs a registered command with its execution stats.
type CommandStatistics struct {
	Name          string               `json:"name"`
	Key           string               `json:"key"`
	Wildcard      bool                 `json:"wildcard"`
	HasDeadLetter bool                 `json:"has_dead_letter"`
	Stats         CommandStatsSnapshot `json:"stats"`
}

// Stats collects the statistics of every component.
func (s *Service) Stats() Statistics {
	out := Statistics{
		ServiceName: s.Conf.ServiceName,
		ServiceID:   s.Conf.ServiceID,
		CollectedAt: s.now().UTC(),
		Transport:   s.transportStatistics(),
		Scheduler:   s.scheduler.Stats(),
		PollClients: s.poller.Stats(),
		Dispatcher:  s.dispatcher.Stats(),
		Outgoing:    s.tracker.Stats(),
		Schedules:   s.runner.Stats(),
		Resources:   s.resources.Snapshot(),
	}
	for _, l := range s.listeners {
		out.Listeners = append(out.Listeners, l.Stats())
	}
	for _, m := range s.masters {
		out.MasterJobs = append(out.MasterJobs, m.Stats())
	}
	return out
}

func (s *Service) transportStatistics() TransportStatistics {
	caps := s.capabilities
	return TransportStatistics{
		PubSubSystem:     s.Conf.Transport.PubSubSystem,
		Name:             caps.Name,
		Broadcast:        s.transport.Broadcast != nil,
		ReliableDelivery: caps.SupportsReliableDelivery(),
		NativeDLQ:        caps.SupportsNativeDLQ,
		Ordering:         caps.SupportsOrdering,
	}
}

// Capabilities reports what the configured transport supports.
func (s *Service) Capabilities() transport.Capabilities {
	return s.capabilities
}

// Commands lists the registered commands with their statistics, sorted by
// name. Commands that were unregistered keep no entry here.
func (s *Service) Commands() []CommandStatistics {
	infos := s.dispatcher.Commands()
	out := make([]CommandStatistics, 0, len(infos))
	for _, info := range infos {
		out = append(out, CommandStatistics{
			Name:          info.Name,
			Key:           info.Key.Key(),
			Wildcard:      info.Wildcard,
			HasDeadLetter: info.HasDeadLetter,
			Stats:         s.commandStats(info.Name).Snapshot(),
		})
	}
	slices.SortFunc(out, func(a, b CommandStatistics) int {
		return strings.Compare(a.Name, b.Name)
	})
	return out
}
