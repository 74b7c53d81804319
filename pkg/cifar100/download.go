// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cifar100

import (
	"archive/tar"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/resnet-cifar100/internal/errkind"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

// ShowProgressBar controls whether Download displays a progress bar while fetching the dataset.
var ShowProgressBar = true

// copyBytesBar copies bytes to an io.Writer while displaying a progressbar.
// It requires knowing the contentLength.
type copyBytesBar struct {
	w                             io.Writer
	bar                           *progressbar.ProgressBar
	amountWritten                 int64
	barUnit, numUnits, addedUnits int64
}

func newCopyBytesBar(w io.Writer, contentLength int64) *copyBytesBar {
	bar := &copyBytesBar{w: w, barUnit: 1}
	for contentLength > bar.barUnit*1024*1024 {
		bar.barUnit *= 1024
	}
	bar.numUnits = (contentLength + bar.barUnit - 1) / bar.barUnit
	bar.bar = progressbar.NewOptions(int(bar.numUnits),
		progressbar.OptionSetDescription(humanize.IBytes(uint64(contentLength))),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionSetTheme(progressbar.ThemeUnicode),
	)
	return bar
}

// Write implements io.Writer, while updating the progress bar.
func (bar *copyBytesBar) Write(p []byte) (n int, err error) {
	n, err = bar.w.Write(p)
	bar.amountWritten += int64(n)
	toUnits := bar.amountWritten / bar.barUnit
	if toUnits > bar.addedUnits {
		_ = bar.bar.Add(int(toUnits - bar.addedUnits))
		bar.addedUnits = toUnits
	}
	return
}

func (bar *copyBytesBar) Close() {
	if bar.addedUnits < bar.numUnits {
		_ = bar.bar.Add(int(bar.numUnits - bar.addedUnits))
	}
	_ = bar.bar.Close()
	fmt.Println()
}

// downloadFile fetches url into filePath, creating its directory if needed.
func downloadFile(url, filePath string) (size int64, err error) {
	if err = os.MkdirAll(path.Dir(filePath), 0777); err != nil {
		return 0, errkind.Wrapf(errkind.IO, err, "failed to create the directory for %q", filePath)
	}
	resp, err := http.Get(url)
	if err != nil {
		return 0, errkind.Wrapf(errkind.IO, err, "failed downloading %q", url)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return 0, errkind.Errorf(errkind.IO, "failed downloading %q: %s", url, resp.Status)
	}
	file, err := os.Create(filePath)
	if err != nil {
		return 0, errkind.Wrapf(errkind.IO, err, "failed creating file %q", filePath)
	}
	if ShowProgressBar && resp.ContentLength > 0 {
		bar := newCopyBytesBar(file, resp.ContentLength)
		size, err = io.Copy(bar, resp.Body)
		bar.Close()
	} else {
		size, err = io.Copy(file, resp.Body)
	}
	closeErr := file.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(filePath)
		return 0, errkind.Wrapf(errkind.IO, err, "downloading %q to %q", url, filePath)
	}
	return size, nil
}

// validateChecksum checks that the SHA256 of the file matches hexHash.
func validateChecksum(filePath, hexHash string) error {
	f, err := os.Open(filePath)
	if err != nil {
		return errkind.Wrapf(errkind.IO, err, "failed to open %q", filePath)
	}
	defer func() { _ = f.Close() }()
	hasher := sha256.New()
	if _, err = io.Copy(hasher, f); err != nil {
		return errkind.Wrapf(errkind.IO, err, "failed to read %q", filePath)
	}
	got := hex.EncodeToString(hasher.Sum(nil))
	if !strings.EqualFold(got, hexHash) {
		return errkind.Errorf(errkind.Data, "file %q has checksum %s, wanted %s", filePath, got, hexHash)
	}
	return nil
}

// untar extracts the gzip compressed tar file into baseDir. Entries escaping baseDir are rejected.
func untar(baseDir, tarFile string) error {
	f, err := os.Open(tarFile)
	if err != nil {
		return errkind.Wrapf(errkind.IO, err, "failed to open %q", tarFile)
	}
	defer func() { _ = f.Close() }()
	gz, err := gzip.NewReader(f)
	if err != nil {
		return errkind.Wrapf(errkind.Data, err, "failed to decompress %q", tarFile)
	}
	tr := tar.NewReader(gz)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errkind.Wrapf(errkind.Data, err, "failed reading %q", tarFile)
		}
		target := filepath.Join(baseDir, filepath.FromSlash(header.Name))
		if !strings.HasPrefix(target, filepath.Clean(baseDir)+string(os.PathSeparator)) {
			return errkind.Errorf(errkind.Data, "%q has invalid entry %q", tarFile, header.Name)
		}
		switch header.Typeflag {
		case tar.TypeDir:
			if err = os.MkdirAll(target, 0777); err != nil {
				return errkind.Wrapf(errkind.IO, err, "failed to create %q", target)
			}
		case tar.TypeReg:
			if err = extractFile(tr, target); err != nil {
				return err
			}
		default:
			klog.V(2).Infof("skipping %q from %q", header.Name, tarFile)
		}
	}
}

func extractFile(r io.Reader, target string) error {
	if err := os.MkdirAll(path.Dir(target), 0777); err != nil {
		return errkind.Wrapf(errkind.IO, err, "failed to create the directory for %q", target)
	}
	out, err := os.Create(target)
	if err != nil {
		return errkind.Wrapf(errkind.IO, err, "failed to create %q", target)
	}
	_, err = io.Copy(out, r)
	closeErr := out.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		return errkind.Wrapf(errkind.IO, err, "failed to extract %q", target)
	}
	return nil
}

// Download downloads CIFAR-100 into dataDir, if not there yet, and extracts it.
// It's a no-op if the extracted directory already exists.
func Download(dataDir string) error {
	return downloadFrom(URL, dataDir, TarSHA256)
}

func downloadFrom(url, dataDir, checkHash string) error {
	dataDir, err := fsutil.ReplaceTildeInDir(dataDir)
	if err != nil {
		return errkind.Wrapf(errkind.Config, err, "invalid data directory %q", dataDir)
	}
	targetDir := path.Join(dataDir, SubDir)
	if fsutil.MustFileExists(targetDir) {
		return nil
	}
	tarFile := path.Join(dataDir, TarName)
	if !fsutil.MustFileExists(tarFile) {
		klog.Infof("Downloading %s ...", url)
		size, err := downloadFile(url, tarFile)
		if err != nil {
			return err
		}
		klog.V(1).Infof("Downloaded %s to %q", humanize.IBytes(uint64(size)), tarFile)
	}
	if checkHash != "" {
		if err = validateChecksum(tarFile, checkHash); err != nil {
			return err
		}
	}
	if err = untar(dataDir, tarFile); err != nil {
		return err
	}
	if !fsutil.MustFileExists(targetDir) {
		return errkind.Errorf(errkind.Data, "downloaded from %q and extracted %q, but didn't get directory %q",
			url, tarFile, targetDir)
	}
	return nil
}
