// Copyright 2024 The Go Sysfs GPIO Authors. All rights reserved.
// Use of this source code is governed under the MIT License
// that can be found in the LICENSE file.

package sysfsgpio

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// exporter speaks the kernel's textual export protocol: pin numbers written
// as UTF-8 decimal to the export and unexport control files.
type exporter struct {
	root string // Something like /sys/class/gpio
}

// exported reports whether the kernel already exposes the per-pin control
// directory. Some kernels reject writing an already exported number to the
// export file, so allocation probes before exporting.
func (e *exporter) exported(number int) bool {
	fi, err := os.Stat(e.pinRoot(number))
	return err == nil && fi.IsDir()
}

func (e *exporter) export(number int) error {
	return e.writeControl("export", number)
}

func (e *exporter) unexport(number int) error {
	return e.writeControl("unexport", number)
}

func (e *exporter) writeControl(name string, number int) error {
	if err := writeFile(filepath.Join(e.root, name), []byte(strconv.Itoa(number))); err != nil {
		return fmt.Errorf("sysfs-gpio: %s pin %d: %w", name, number, err)
	}
	return nil
}

// pinRoot is the per-pin control directory, something like
// /sys/class/gpio/gpio17.
func (e *exporter) pinRoot(number int) string {
	return filepath.Join(e.root, "gpio"+strconv.Itoa(number))
}
