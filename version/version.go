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

// Package version holds build-time version information, overridden by
// main through -ldflags at build time.
package version

import "fmt"

//nolint:gochecknoglobals
var (
	Version   = "0.1.0"
	BuildHash = "unknown"
)

// UserAgent returns the string sent as User-Agent on every Bleemeo API request.
func UserAgent() string {
	return fmt.Sprintf("Bleemeo-agent %s (%s)", Version, BuildHash)
}
