// Copyright (C) The kwip Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package kwip

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"git.arvados.org/arvados.git/lib/cmd"
	"git.arvados.org/arvados.git/sdk/go/arvados"
	"git.arvados.org/arvados.git/sdk/go/arvadosclient"
	"git.arvados.org/arvados.git/sdk/go/keepclient"
	"github.com/klauspost/pgzip"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/net/websocket"
)

type eventMessage struct {
	ObjectUUID string `json:"object_uuid"`
	EventType  string `json:"event_type"`
}

// watchContainer sends a value on the returned channel whenever the
// given container is updated, reconnecting to the websocket service
// as needed, until ctx is done.
func watchContainer(ctx context.Context, client *arvados.Client, uuid string) <-chan struct{} {
	ch := make(chan struct{}, 1)
	notify := func() {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	go func() {
		for ctx.Err() == nil {
			conn, err := dialEvents(client)
			if err != nil {
				log.Warnf("websocket connection error: %s", err)
				select {
				case <-ctx.Done():
				case <-time.After(5 * time.Second):
				}
				continue
			}
			go func() {
				<-ctx.Done()
				conn.Close()
			}()
			err = json.NewEncoder(conn).Encode(map[string]interface{}{
				"method": "subscribe",
				"filters": [][]interface{}{
					{"object_uuid", "=", uuid},
					{"event_type", "=", "update"},
				},
			})
			// state may have changed while we were disconnected
			notify()
			dec := json.NewDecoder(conn)
			for err == nil {
				var msg eventMessage
				err = dec.Decode(&msg)
				if err == nil && msg.ObjectUUID == uuid && msg.EventType == "update" {
					notify()
				}
			}
			conn.Close()
			if ctx.Err() == nil {
				log.Printf("websocket error: %s", err)
			}
		}
	}()
	return ch
}

func dialEvents(client *arvados.Client) (*websocket.Conn, error) {
	var cluster arvados.Cluster
	err := client.RequestAndDecode(&cluster, "GET", arvados.EndpointConfigGet.Path, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("error getting cluster config: %w", err)
	}
	wsURL := cluster.Services.Websocket.ExternalURL
	wsURL.Scheme = strings.Replace(wsURL.Scheme, "http", "ws", 1)
	wsURL.Path = "/websocket"
	wsURL.RawQuery = url.Values{"api_token": []string{client.AuthToken}}.Encode()
	return websocket.Dial(wsURL.String(), "", cluster.Services.Controller.ExternalURL.String())
}

type arvadosContainerRunner struct {
	Client      *arvados.Client
	Name        string
	OutputName  string
	ProjectUUID string
	VCPUs       int
	RAM         int64
	Prog        string // if empty, run /proc/self/exe
	Args        []string
	Mounts      map[string]map[string]interface{}
	Priority    int
	KeepCache   int // cache buffers per VCPU (0 for default)
	Preemptible bool
}

func (runner *arvadosContainerRunner) Run() (string, error) {
	return runner.RunContext(context.Background())
}

// RunContext submits a container request, relays the container's
// stderr to the local log until it finishes, and returns the output
// collection UUID.
func (runner *arvadosContainerRunner) RunContext(ctx context.Context) (string, error) {
	cr, err := runner.submit()
	if err != nil {
		return "", err
	}
	log.Printf("container request UUID: %s", cr.UUID)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	updated := watchContainer(ctx, runner.Client, cr.UUID)
	refresh := time.NewTicker(time.Minute)
	defer refresh.Stop()
	tail := logTail{runner: runner}
	logWaitMin, logWaitMax := time.Second, 10*time.Second
	logWait := logWaitMin
	logWaitDone := time.After(logWait)
	lastState := cr.State
	for cr.State != arvados.ContainerRequestStateFinal {
		select {
		case <-ctx.Done():
			err := runner.Client.RequestAndDecode(&cr, "PATCH", "arvados/v1/container_requests/"+cr.UUID, nil, map[string]interface{}{
				"container_request": map[string]interface{}{
					"priority": 0,
				},
			})
			if err != nil {
				log.Errorf("error while trying to cancel container request %s: %s", cr.UUID, err)
			}
			return "", ctx.Err()
		case <-updated:
		case <-refresh.C:
		case <-logWaitDone:
			if tail.poll(cr) {
				logWait = logWaitMin
			} else if logWait *= 2; logWait > logWaitMax {
				logWait = logWaitMax
			}
			logWaitDone = time.After(logWait)
			continue
		}
		reqctx, reqcancel := context.WithTimeout(ctx, time.Minute)
		err = runner.Client.RequestAndDecodeContext(reqctx, &cr, "GET", "arvados/v1/container_requests/"+cr.UUID, nil, nil)
		reqcancel()
		if err != nil {
			log.Printf("error getting container request: %s", err)
			continue
		}
		if lastState != cr.State {
			log.Printf("container request state: %s", cr.State)
			lastState = cr.State
		}
	}
	tail.poll(cr)

	var c arvados.Container
	err = runner.Client.RequestAndDecode(&c, "GET", "arvados/v1/containers/"+cr.ContainerUUID, nil, nil)
	if err != nil {
		return "", err
	} else if c.State != arvados.ContainerStateComplete {
		return "", fmt.Errorf("container did not complete: %s", c.State)
	} else if c.ExitCode != 0 {
		return "", fmt.Errorf("container exited %d", c.ExitCode)
	}
	return cr.OutputUUID, nil
}

func (runner *arvadosContainerRunner) submit() (arvados.ContainerRequest, error) {
	var cr arvados.ContainerRequest
	if runner.ProjectUUID == "" {
		return cr, errors.New("cannot run arvados container: -project not provided")
	}
	mounts := map[string]map[string]interface{}{
		"/mnt/output": {
			"kind":     "collection",
			"writable": true,
		},
	}
	for path, mnt := range runner.Mounts {
		mounts[path] = mnt
	}
	prog := runner.Prog
	if prog == "" {
		prog = "/mnt/cmd/kwip"
		cmdUUID, err := runner.makeCommandCollection()
		if err != nil {
			return cr, err
		}
		mounts["/mnt/cmd"] = map[string]interface{}{
			"kind": "collection",
			"uuid": cmdUUID,
		}
	}
	priority := runner.Priority
	if priority < 1 {
		priority = 500
	}
	keepCache := runner.KeepCache
	if keepCache < 1 {
		keepCache = 2
	}
	rc := arvados.RuntimeConstraints{
		VCPUs:        runner.VCPUs,
		RAM:          runner.RAM,
		KeepCacheRAM: (1 << 26) * int64(keepCache) * int64(runner.VCPUs),
	}
	var outname interface{}
	if runner.OutputName != "" {
		outname = runner.OutputName
	}
	err := runner.Client.RequestAndDecode(&cr, "POST", "arvados/v1/container_requests", nil, map[string]interface{}{
		"container_request": map[string]interface{}{
			"owner_uuid":          runner.ProjectUUID,
			"name":                runner.Name,
			"container_image":     "kwip-runtime",
			"command":             append([]string{prog}, runner.Args...),
			"mounts":              mounts,
			"use_existing":        true,
			"output_path":         "/mnt/output",
			"output_name":         outname,
			"runtime_constraints": rc,
			"priority":            priority,
			"state":               arvados.ContainerRequestStateCommitted,
			"scheduling_parameters": arvados.SchedulingParameters{
				Preemptible: runner.Preemptible,
				Partitions:  []string{},
			},
			"environment": map[string]string{
				"GOMAXPROCS": fmt.Sprintf("%d", rc.VCPUs),
			},
			"container_count_max": 1,
		},
	})
	return cr, err
}

// logTail copies new lines of a container's stderr.txt to the local
// log.
type logTail struct {
	runner        *arvadosContainerRunner
	containerUUID string
	offset        int64
}

// poll fetches and logs any new complete lines. It reports whether
// there were any.
func (t *logTail) poll(cr arvados.ContainerRequest) bool {
	if cr.ContainerUUID == "" {
		return false
	}
	if cr.ContainerUUID != t.containerUUID {
		t.containerUUID = cr.ContainerUUID
		t.offset = 0
	}
	req, err := http.NewRequest("GET", "https://"+t.runner.Client.APIHost+"/arvados/v1/container_requests/"+cr.UUID+"/log/"+cr.ContainerUUID+"/stderr.txt", nil)
	if err != nil {
		log.Errorf("error preparing log request: %s", err)
		return false
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-", t.offset))
	resp, err := t.runner.Client.Do(req)
	if err != nil {
		log.Errorf("error getting log data: %s", err)
		return false
	}
	defer resp.Body.Close()
	if (resp.StatusCode == http.StatusNotFound && t.offset == 0) ||
		(resp.StatusCode == http.StatusRequestedRangeNotSatisfiable && t.offset > 0) {
		return false
	} else if resp.StatusCode >= 300 {
		log.Errorf("error getting log data: %s", resp.Status)
		return false
	}
	logdata, err := io.ReadAll(resp.Body)
	if err != nil {
		log.Errorf("error reading log data: %s", err)
		return false
	}
	any := false
	for {
		eol := bytes.IndexByte(logdata, '\n')
		if eol < 0 {
			break
		}
		line := string(logdata[:eol])
		logdata = logdata[eol+1:]
		t.offset += int64(eol + 1)
		if line != "" {
			log.Print(line)
			any = true
		}
	}
	return any
}

var collectionInPathRe = regexp.MustCompile(`^(.*/)?([0-9a-f]{32}\+[0-9]+|[0-9a-z]{5}-[0-9a-z]{5}-[0-9a-z]{15})(/.*)?$`)

// TranslatePaths rewrites collection paths (".../<uuid or pdh>/...")
// to their mount points inside the container, adding mounts as
// needed.
func (runner *arvadosContainerRunner) TranslatePaths(paths ...*string) error {
	if runner.Mounts == nil {
		runner.Mounts = make(map[string]map[string]interface{})
	}
	for _, path := range paths {
		if *path == "" || *path == "-" {
			continue
		}
		m := collectionInPathRe.FindStringSubmatch(*path)
		if m == nil {
			return fmt.Errorf("cannot find uuid in path: %q", *path)
		}
		collID := m[2]
		if _, ok := runner.Mounts["/mnt/"+collID]; !ok {
			mnt := map[string]interface{}{
				"kind": "collection",
			}
			if len(collID) == 27 {
				mnt["uuid"] = collID
			} else {
				mnt["portable_data_hash"] = collID
			}
			runner.Mounts["/mnt/"+collID] = mnt
		}
		*path = "/mnt/" + collID + m[3]
	}
	return nil
}

var mtxMakeCommandCollection sync.Mutex

// makeCommandCollection stores the running executable in a
// collection, reusing an existing one with the same name and hash.
func (runner *arvadosContainerRunner) makeCommandCollection() (string, error) {
	mtxMakeCommandCollection.Lock()
	defer mtxMakeCommandCollection.Unlock()
	exe, err := os.ReadFile("/proc/self/exe")
	if err != nil {
		return "", err
	}
	b2 := fmt.Sprintf("%x", blake2b.Sum256(exe))
	cname := "kwip " + cmd.Version.String()
	var existing arvados.CollectionList
	err = runner.Client.RequestAndDecode(&existing, "GET", "arvados/v1/collections", nil, arvados.ListOptions{
		Limit: 1,
		Count: "none",
		Filters: []arvados.Filter{
			{Attr: "name", Operator: "=", Operand: cname},
			{Attr: "owner_uuid", Operator: "=", Operand: runner.ProjectUUID},
			{Attr: "properties.blake2b", Operator: "=", Operand: b2},
		},
	})
	if err != nil {
		return "", err
	}
	if len(existing.Items) > 0 {
		log.Printf("using kwip binary in existing collection %s", existing.Items[0].UUID)
		return existing.Items[0].UUID, nil
	}
	log.Printf("writing kwip binary to new collection %q", cname)
	ac, err := arvadosclient.New(runner.Client)
	if err != nil {
		return "", err
	}
	var coll arvados.Collection
	fs, err := coll.FileSystem(runner.Client, keepclient.New(ac))
	if err != nil {
		return "", err
	}
	f, err := fs.OpenFile("kwip", os.O_CREATE|os.O_WRONLY, 0777)
	if err != nil {
		return "", err
	}
	if _, err = f.Write(exe); err != nil {
		f.Close()
		return "", err
	}
	if err = f.Close(); err != nil {
		return "", err
	}
	mtxt, err := fs.MarshalManifest(".")
	if err != nil {
		return "", err
	}
	err = runner.Client.RequestAndDecode(&coll, "POST", "arvados/v1/collections", nil, map[string]interface{}{
		"collection": map[string]interface{}{
			"owner_uuid":    runner.ProjectUUID,
			"manifest_text": mtxt,
			"name":          cname,
			"properties": map[string]interface{}{
				"blake2b": b2,
			},
		},
	})
	if err != nil {
		return "", err
	}
	log.Printf("stored kwip binary in new collection %s", coll.UUID)
	return coll.UUID, nil
}

// zopen opens fnm with open, decompressing it if the name ends with
// ".gz".
func zopen(fnm string) (io.ReadCloser, error) {
	f, err := open(fnm)
	if err != nil || !strings.HasSuffix(fnm, ".gz") {
		return f, err
	}
	rdr, err := pgzip.NewReader(bufio.NewReaderSize(f, 4*1024*1024))
	if err != nil {
		f.Close()
		return nil, err
	}
	return gzipr{rdr, f}, nil
}

// gzipr closes both the decompressor and the underlying file.
type gzipr struct {
	io.ReadCloser
	io.Closer
}

func (gr gzipr) Close() error {
	e1 := gr.ReadCloser.Close()
	e2 := gr.Closer.Close()
	if e1 != nil {
		return e1
	}
	return e2
}

var (
	keepClient *keepclient.KeepClient
	siteFS     arvados.CustomFileSystem
	siteFSMtx  sync.Mutex
)

// open reads collection paths through the Arvados API (when
// ARVADOS_API_HOST is set) instead of a FUSE mount, and other paths
// from the local filesystem.
func open(fnm string) (io.ReadCloser, error) {
	if os.Getenv("ARVADOS_API_HOST") == "" {
		return os.Open(fnm)
	}
	m := collectionInPathRe.FindStringSubmatch(fnm)
	if m == nil {
		return os.Open(fnm)
	}
	siteFSMtx.Lock()
	defer siteFSMtx.Unlock()
	if siteFS == nil {
		log.Info("setting up Arvados client")
		client := arvados.NewClientFromEnv()
		ac, err := arvadosclient.New(client)
		if err != nil {
			return nil, err
		}
		ac.Client = arvados.DefaultSecureClient
		keepClient = keepclient.New(ac)
		keepClient.HTTPClient = arvados.DefaultSecureClient
		keepClient.BlockCache = &keepclient.BlockCache{MaxBlocks: 4}
		siteFS = client.SiteFileSystem(keepClient)
	}
	log.Infof("reading %q from %s using Arvados client", m[3], m[2])
	return siteFS.Open("by_id/" + m[2] + m[3])
}
