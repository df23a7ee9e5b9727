package serial

import (
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// devDir is where ScanDevices looks for device nodes (overridden in tests).
var devDir = "/dev"

var devicePatterns = []*regexp.Regexp{
	regexp.MustCompile(`^ttyUSB\d+$`),
	regexp.MustCompile(`^ttyACM\d+$`),
	regexp.MustCompile(`^ttyS\d+$`),
	regexp.MustCompile(`^ttyAMA\d+$`),
	regexp.MustCompile(`^ttymxc\d+$`),
	regexp.MustCompile(`^ttyO\d+$`),
	regexp.MustCompile(`^ttySAC\d+$`),
	regexp.MustCompile(`^ttyTHS\d+$`),
	regexp.MustCompile(`^tty\.usb.*$`), // darwin
	regexp.MustCompile(`^cu\.usb.*$`),  // darwin
}

var devicePrefixes = []struct{ prefix, desc string }{
	{"ttyUSB", "USB serial adapter"},
	{"ttyACM", "USB CDC/ACM device"},
	{"ttyAMA", "ARM UART"},
	{"ttymxc", "i.MX UART"},
	{"ttySAC", "Samsung UART"},
	{"ttyTHS", "Tegra UART"},
	{"ttyO", "OMAP UART"},
	{"ttyS", "on-board UART"},
	{"tty.usb", "USB serial adapter"},
	{"cu.usb", "USB serial adapter"},
}

// ScanDevices lists serial character devices under /dev by name pattern.
// It serves drivers whose library has no enumerator.
func ScanDevices() ([]PortInfo, error) {
	return scanDir(devDir, isCharDevice)
}

func scanDir(dir string, isDev func(string) bool) ([]PortInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	out := []PortInfo{}
	for _, e := range entries {
		name := e.Name()
		if !matchesDevice(name) {
			continue
		}
		path := filepath.Join(dir, name)
		if !isDev(path) {
			continue
		}
		info := PortInfo{Name: path, Description: describeDevice(name)}
		info.USB = strings.Contains(name, "USB") || strings.Contains(name, "ACM") || strings.Contains(name, ".usb")
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func matchesDevice(name string) bool {
	for _, re := range devicePatterns {
		if re.MatchString(name) {
			return true
		}
	}
	return false
}

func describeDevice(name string) string {
	for _, p := range devicePrefixes {
		if strings.HasPrefix(name, p.prefix) {
			return p.desc
		}
	}
	return "serial port"
}

func isCharDevice(path string) bool {
	fi, err := os.Stat(path)
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}
