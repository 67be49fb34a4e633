// Copyright 2015-2023 Bleemeo
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

package crashreport

import (
	"io"
	"strings"

	"archive/zip"

	"github.com/bleemeo/bleemeo-agent/types"
)

type inSituZipWriter struct {
	baseFolder      string
	zipWriter       *zip.Writer
	currentFileName string
}

// newInSituZipWriter returns an ArchiveWriter able to write directly into
// the given zip archive, optionally nesting entries under baseFolder.
func newInSituZipWriter(baseFolder string, zipWriter *zip.Writer) types.ArchiveWriter {
	return &inSituZipWriter{
		baseFolder: strings.Trim(baseFolder, "/"),
		zipWriter:  zipWriter,
	}
}

func (zw *inSituZipWriter) Create(filename string) (io.Writer, error) {
	fullFilename := filename
	if zw.baseFolder != "" {
		fullFilename = zw.baseFolder + "/" + filename
	}

	zw.currentFileName = fullFilename

	return zw.zipWriter.Create(fullFilename)
}

func (zw *inSituZipWriter) CurrentFileName() string {
	return zw.currentFileName
}
