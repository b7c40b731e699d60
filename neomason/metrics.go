package neomason

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const metricsNamespace = "neomason"

var keywordResponsesDesc = prometheus.NewDesc(
	prometheus.BuildFQName(metricsNamespace, "", "keyword_responses"),
	"Number of cached keyword responses by guild",
	[]string{"guild_id"},
	nil,
)

// Award and announcement outcomes
const (
	outcomeOK        = "ok"
	outcomeError     = "error"
	outcomeSelf      = "self"
	outcomeNoTarget  = "no_target"
	outcomeSkipped   = "skipped"
	outcomeNoChannel = "no_channel"
)

type metrics struct {
	registry        *prometheus.Registry
	messages        prometheus.Counter
	commands        *prometheus.CounterVec
	keywordReplies  prometheus.Counter
	awards          *prometheus.CounterVec
	announcements   *prometheus.CounterVec
	transportErrors prometheus.Counter
}

// newMetrics creates the bot's collectors and registers them, along with
// a collector reporting the size of state, on a new registry
func newMetrics(state *GuildState) *metrics {
	reg := prometheus.NewRegistry()
	m := &metrics{
		registry: reg,
		messages: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "messages_total",
				Help:      "Messages handled",
			},
		),
		commands: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "commands_total",
				Help:      "Commands handled, by command",
			},
			[]string{"command"},
		),
		keywordReplies: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "keyword_replies_total",
				Help:      "Keyword responses sent",
			},
		),
		awards: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "awards_total",
				Help:      "Award attempts, by outcome",
			},
			[]string{"outcome"},
		),
		announcements: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "announcements_total",
				Help:      "Scheduled announcements, by outcome",
			},
			[]string{"outcome"},
		),
		transportErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "transport_errors_total",
				Help:      "Failed requests to discord",
			},
		),
	}

	reg.MustRegister(
		m.messages,
		m.commands,
		m.keywordReplies,
		m.awards,
		m.announcements,
		m.transportErrors,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if state != nil {
		reg.MustRegister(&keywordResponseCollector{state: state})
	}
	return m
}

// keywordResponseCollector reports the number of cached responses for
// each guild on every scrape
type keywordResponseCollector struct {
	state *GuildState
}

func (c *keywordResponseCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- keywordResponsesDesc
}

func (c *keywordResponseCollector) Collect(ch chan<- prometheus.Metric) {
	for _, guildID := range c.state.Guilds() {
		ch <- prometheus.MustNewConstMetric(
			keywordResponsesDesc,
			prometheus.GaugeValue,
			float64(c.state.Len(guildID)),
			guildID,
		)
	}
}
