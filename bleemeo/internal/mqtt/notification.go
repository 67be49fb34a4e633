// Copyright 2015-2019 Bleemeo
//
// bleemeo.com an infrastructure monitoring solution in the Cloud
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package mqtt

import (
	"encoding/json"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/bleemeo/bleemeo-agent/logger"
)

// maxNotificationSize is the spec.md §4.3 limit on inbound notification
// payloads; anything larger is dropped unread.
const maxNotificationSize = 64 * 1024

// notificationEnvelope is the union of the three inbound message shapes
// the notification topic carries (spec.md §4.3).
type notificationEnvelope struct {
	MessageType string `json:"message_type"`
	MetricUUID  string `json:"metric_uuid"`
}

const (
	messageThresholdUpdate  = "threshold-update"
	messageConfigChanged    = "config-changed"
	messageConfigWillChange = "config-will-change"
)

func (s *Session) onNotification(_ paho.Client, msg paho.Message) {
	payload := msg.Payload()

	if len(payload) > maxNotificationSize {
		logger.V(1).Printf("mqtt: dropping oversized notification (%d bytes)", len(payload))

		return
	}

	var env notificationEnvelope

	if err := json.Unmarshal(payload, &env); err != nil {
		logger.V(1).Printf("mqtt: dropping unparseable notification: %v", err)

		return
	}

	if s.handler == nil {
		return
	}

	switch env.MessageType {
	case messageThresholdUpdate:
		if env.MetricUUID != "" {
			s.handler.OnThresholdUpdate(env.MetricUUID)
		} else {
			s.handler.OnFullSyncRequested()
		}
	case messageConfigChanged:
		s.handler.OnFullSyncRequested()
	case messageConfigWillChange:
		s.handler.OnConfigWillChange()
	default:
		logger.V(2).Printf("mqtt: ignoring unknown notification type %q", env.MessageType)
	}
}
