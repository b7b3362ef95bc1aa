package internal

import (
	"bufio"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

// Gateway holds information about a harnessed gateway process.
type Gateway struct {
	Port      uint16
	API       *FakeAPI
	Stderr    io.ReadCloser
	Stdout    io.ReadCloser
	Command   *exec.Cmd
	WaitGroup *sync.WaitGroup
	ConfigDir string
	LogChan   <-chan string
}

// gatewayDir is where the main package lives relative to this package.
var gatewayDir = ".."

func harnessGateway(t *testing.T) *Gateway {
	t.Helper()

	if err := buildGateway(); err != nil {
		t.Fatalf("error building gateway: %s", err)
	}

	api := NewFakeAPI()

	gw, err := startGateway(api)
	if err != nil {
		api.Close()
		t.Fatalf("error starting gateway: %s", err)
	}

	var wg sync.WaitGroup

	logChan := make(chan string, 1024)

	wg.Add(1)
	go logReader(&wg, "gateway stderr", gw.Stderr, logChan)

	wg.Add(1)
	go logReader(&wg, "gateway stdout", gw.Stdout, logChan)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := gw.Command.Wait(); err != nil {
			log.Printf("gateway exited: %s", err)
		}
	}()

	gw.WaitGroup = &wg
	gw.LogChan = logChan

	// Clients connecting before the listener is serviced would still work, but
	// waiting keeps the logs in order.
	startedRE := regexp.MustCompile(`msg="?ircgateway started"?`)

	if !waitForLog(logChan, startedRE) {
		gw.stop()
		t.Fatalf("error waiting for gateway to start")
	}

	t.Cleanup(gw.stop)
	return gw
}

var builtGateway bool

func buildGateway() error {
	if builtGateway {
		return nil
	}

	cmd := exec.Command("go", "build", "-o", "ircgateway")
	cmd.Dir = gatewayDir

	log.Printf("Running %s in [%s]...", cmd.Args, cmd.Dir)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("error building gateway: %s: %s", err, output)
	}

	builtGateway = true
	return nil
}

func startGateway(api *FakeAPI) (*Gateway, error) {
	tmpDir, err := os.MkdirTemp("", "ircgateway-")
	if err != nil {
		return nil, fmt.Errorf("error retrieving a temporary directory: %s", err)
	}

	conf := filepath.Join(tmpDir, "ircgateway.conf")

	listener, port, err := getRandomPort()
	if err != nil {
		_ = os.RemoveAll(tmpDir)
		return nil, fmt.Errorf("error opening random port: %s", err)
	}
	defer func() {
		_ = listener.Close()
	}()

	if err := writeConf(conf, api.URL(), filepath.Join(tmpDir, "store")); err != nil {
		_ = os.RemoveAll(tmpDir)
		return nil, err
	}

	gw, err := runGateway(conf, listener)
	if err != nil {
		_ = os.RemoveAll(tmpDir)
		return nil, fmt.Errorf("error running gateway: %s", err)
	}

	gw.Port = port
	gw.API = api
	gw.ConfigDir = tmpDir
	return gw, nil
}

func getRandomPort() (net.Listener, uint16, error) {
	ln, err := net.Listen("tcp4", "127.0.0.1:")
	if err != nil {
		return nil, 0, fmt.Errorf("error opening a random port: %s", err)
	}

	_, portString, err := net.SplitHostPort(ln.Addr().String())
	if err != nil {
		_ = ln.Close()
		return nil, 0, fmt.Errorf("error splitting address: %s", err)
	}

	port, err := strconv.ParseUint(portString, 10, 16)
	if err != nil {
		_ = ln.Close()
		return nil, 0, fmt.Errorf("error parsing port: %s", err)
	}

	return ln, uint16(port), nil
}

func runGateway(conf string, ln net.Listener) (*Gateway, error) {
	cmd := exec.Command(filepath.Join(gatewayDir, "ircgateway"),
		"-conf", conf,
		"-listen-fd", "3",
	)

	f, err := ln.(*net.TCPListener).File()
	if err != nil {
		return nil, fmt.Errorf("error retrieving listener file: %s", err)
	}
	cmd.ExtraFiles = []*os.File{f}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("error retrieving stderr pipe: %s", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		_ = stderr.Close()
		return nil, fmt.Errorf("error retrieving stdout pipe: %s", err)
	}

	if err := cmd.Start(); err != nil {
		_ = stderr.Close()
		_ = stdout.Close()
		return nil, fmt.Errorf("error starting: %s", err)
	}

	// The child has its own copy now.
	_ = f.Close()

	return &Gateway{
		Command: cmd,
		Stderr:  stderr,
		Stdout:  stdout,
	}, nil
}

func writeConf(conf, apiURL, storePath string) error {
	// The port is unused because we pass in an fd.
	buf := fmt.Sprintf(`
listen-host = 127.0.0.1
listen-port = -1
server-name = irc.example.org
version = ircgateway-test
wakeup-time = 100ms
ping-time = 30s
dead-time = 60s
api-url = %s
api-timeout = 5s
store-backend = file
store-path = %s
auth-fail-delay = 100ms
log-level = debug
`, apiURL, storePath)

	if err := os.WriteFile(conf, []byte(buf), 0o644); err != nil {
		return fmt.Errorf("error writing conf: %s", err)
	}

	return nil
}

func logReader(
	wg *sync.WaitGroup,
	prefix string,
	r io.Reader,
	ch chan<- string,
) {
	defer wg.Done()

	scanner := bufio.NewScanner(r)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		log.Printf("%s: %s", prefix, line)

		select {
		case ch <- line:
		default:
		}
	}

	if err := scanner.Err(); err != nil {
		log.Printf("error scanning: %s", err)
	}
}

func (g *Gateway) stop() {
	if err := g.Command.Process.Kill(); err != nil {
		log.Printf("error killing gateway: %s", err)
	}
	g.WaitGroup.Wait()

	g.API.Close()

	if err := os.RemoveAll(g.ConfigDir); err != nil {
		log.Printf("error cleaning up temporary directory: %s", err)
	}
}

func waitForLog(ch <-chan string, re *regexp.Regexp) bool {
	timeoutChan := time.After(10 * time.Second)

	for {
		select {
		case s := <-ch:
			if re.MatchString(s) {
				return true
			}
		case <-timeoutChan:
			return false
		}
	}
}
