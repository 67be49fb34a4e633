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

package bleemeo

import (
	"archive/zip"
	"fmt"
	"io"
	"strings"
	"time"
)

// diagnosticSummary renders the short human-readable connector snapshot
// served at /diagnostic (spec.md §7).
func diagnosticSummary(agentID string, connected bool, lastReport time.Time, nMetrics, nServices, nContainers int) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Bleemeo connector\n")
	fmt.Fprintf(&b, "  agent ID: %s\n", agentID)
	fmt.Fprintf(&b, "  broker connected: %v\n", connected)

	if lastReport.IsZero() {
		fmt.Fprintf(&b, "  last report: never\n")
	} else {
		fmt.Fprintf(&b, "  last report: %s\n", lastReport.Format(time.RFC3339))
	}

	fmt.Fprintf(&b, "  cached metrics: %d\n", nMetrics)
	fmt.Fprintf(&b, "  cached services: %d\n", nServices)
	fmt.Fprintf(&b, "  cached containers: %d\n", nContainers)

	return b.String()
}

// writeDiagnosticZip streams summary as the sole entry of a zip archive
// written to w, for the /diagnostic.zip endpoint.
func writeDiagnosticZip(w io.Writer, summary string) error {
	zw := zip.NewWriter(w)

	fw, err := zw.Create("diagnostic.txt")
	if err != nil {
		return err
	}

	if _, err := fw.Write([]byte(summary)); err != nil {
		return err
	}

	return zw.Close()
}
