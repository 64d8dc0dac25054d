package daemon

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// ConfigArgs turns an aria2 configuration file into command line arguments
// by putting prefix (usually "--") in front of every option line. Blank
// lines and lines starting with '#' are skipped.
func ConfigArgs(path, prefix string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var args []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		args = append(args, prefix+line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("daemon: read %s: %w", path, err)
	}
	return args, nil
}
