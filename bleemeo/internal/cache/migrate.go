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

package cache

// migrate applies every forward migration needed to bring doc from
// fromVersion up to currentVersion, documented per spec.md §4.1:
//
//	V1 initial
//	V2 adds container docker_id
//	V3 adds metric active
//	V4 active -> deactivated_at
//	V5 drops blacklist
//	V6 adds metric_resolution
//	V7 moves `item` into a general `labels` mapping
func migrate(doc map[string]interface{}, fromVersion int) map[string]interface{} {
	if fromVersion < 1 {
		fromVersion = 1
	}

	for v := fromVersion; v < currentVersion; v++ {
		switch v {
		case 1:
			doc = migrateV1toV2(doc)
		case 2:
			doc = migrateV2toV3(doc)
		case 3:
			doc = migrateV3toV4(doc)
		case 4:
			doc = migrateV4toV5(doc)
		case 5:
			doc = migrateV5toV6(doc)
		case 6:
			doc = migrateV6toV7(doc)
		}
	}

	doc["version"] = float64(currentVersion)

	return doc
}

func eachMetric(doc map[string]interface{}, fn func(map[string]interface{})) {
	metrics, _ := doc["metrics"].([]interface{})
	for _, m := range metrics {
		if metric, ok := m.(map[string]interface{}); ok {
			fn(metric)
		}
	}
}

func eachContainer(doc map[string]interface{}, fn func(map[string]interface{})) {
	containers, _ := doc["containers"].([]interface{})
	for _, c := range containers {
		if container, ok := c.(map[string]interface{}); ok {
			fn(container)
		}
	}
}

// migrateV1toV2 adds the container_id field, defaulting to empty for
// containers that predate the field.
func migrateV1toV2(doc map[string]interface{}) map[string]interface{} {
	eachContainer(doc, func(c map[string]interface{}) {
		if _, ok := c["container_id"]; !ok {
			c["container_id"] = ""
		}
	})

	return doc
}

// migrateV2toV3 adds an implicit "active" flag (true) to every metric that
// predates it.
func migrateV2toV3(doc map[string]interface{}) map[string]interface{} {
	eachMetric(doc, func(m map[string]interface{}) {
		if _, ok := m["active"]; !ok {
			m["active"] = true
		}
	})

	return doc
}

// migrateV3toV4 replaces the boolean "active" flag with a "deactivated_at"
// timestamp (null when active).
func migrateV3toV4(doc map[string]interface{}) map[string]interface{} {
	eachMetric(doc, func(m map[string]interface{}) {
		active, _ := m["active"].(bool)
		delete(m, "active")

		if active {
			m["deactivated_at"] = nil
		} else {
			m["deactivated_at"] = "1970-01-01T00:00:00Z"
		}
	})

	return doc
}

// migrateV4toV5 drops the per-agent metric blacklist: whitelisting moved
// entirely server-side via AccountConfig.
func migrateV4toV5(doc map[string]interface{}) map[string]interface{} {
	delete(doc, "metrics_blacklist")

	return doc
}

// migrateV5toV6 adds a metric_resolution default to any stored
// current_config that predates the field.
func migrateV5toV6(doc map[string]interface{}) map[string]interface{} {
	if cfg, ok := doc["current_config"].(map[string]interface{}); ok {
		if _, ok := cfg["metrics_agent_resolution"]; !ok {
			cfg["metrics_agent_resolution"] = 10
		}
	}

	return doc
}

// migrateV6toV7 moves each metric's top-level "item" field into the
// general labels mapping, since the identity-key heuristic now reads
// labels["item"] rather than a dedicated field.
func migrateV6toV7(doc map[string]interface{}) map[string]interface{} {
	eachMetric(doc, func(m map[string]interface{}) {
		item, ok := m["item"]
		if !ok {
			return
		}

		delete(m, "item")

		labels, _ := m["labels_text"].(string)

		itemStr, _ := item.(string)
		if itemStr != "" {
			if labels != "" {
				labels += ","
			}

			labels += "item=" + itemStr
			m["labels_text"] = labels
		}
	})

	return doc
}
