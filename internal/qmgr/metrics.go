/*
Maddy Mail Server - Composable all-in-one email server.
Copyright © 2019-2020 Max Mazurov <fox.cpp@disroot.org>, Maddy Mail Server contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package qmgr

import "github.com/prometheus/client_golang/prometheus"

var (
	queuesGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "qmgr",
			Subsystem: "scheduler",
			Name:      "queues",
			Help:      "Destination queues kept in core",
		},
	)
	messagesGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "qmgr",
			Subsystem: "scheduler",
			Name:      "messages",
			Help:      "Messages referenced by queue entries",
		},
	)
	recipientsGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "qmgr",
			Subsystem: "scheduler",
			Name:      "recipients",
			Help:      "Recipients kept in core",
		},
	)
	deliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "qmgr",
			Subsystem: "scheduler",
			Name:      "deliveries",
			Help:      "Delivery attempts by outcome",
		},
		[]string{"transport", "status"},
	)
	queueThrottles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "qmgr",
			Subsystem: "scheduler",
			Name:      "destination_throttles",
			Help:      "Times a destination window dropped to zero",
		},
		[]string{"transport"},
	)
	transportThrottles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "qmgr",
			Subsystem: "scheduler",
			Name:      "transport_throttles",
			Help:      "Times a transport was throttled",
		},
		[]string{"transport"},
	)
	connectFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "qmgr",
			Subsystem: "scheduler",
			Name:      "agent_connect_failures",
			Help:      "Failed delivery agent connection attempts",
		},
		[]string{"transport"},
	)
	congestionWarnings = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "qmgr",
			Subsystem: "scheduler",
			Name:      "congestion_warnings",
			Help:      "Congestion warnings logged",
		},
		[]string{"transport"},
	)
)

func init() {
	prometheus.MustRegister(queuesGauge)
	prometheus.MustRegister(messagesGauge)
	prometheus.MustRegister(recipientsGauge)
	prometheus.MustRegister(deliveries)
	prometheus.MustRegister(queueThrottles)
	prometheus.MustRegister(transportThrottles)
	prometheus.MustRegister(connectFailures)
	prometheus.MustRegister(congestionWarnings)
}
