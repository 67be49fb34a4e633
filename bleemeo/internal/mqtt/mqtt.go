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

// Package mqtt is the Broker Session (C3): a persistent MQTT
// publish/subscribe connection with TLS, a retained will message, a
// monotonic-clock reconnection policy, and a bounded outbound queue
// (spec.md §4.3).
package mqtt

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/bleemeo/bleemeo-agent/bleemeo/internal/diagexport"
	"github.com/bleemeo/bleemeo-agent/logger"
)

// outboundCap is the maximum number of in-flight-plus-pending publishes a
// session allows before silently dropping non-forced publishes.
const outboundCap = 2000

// Config describes how to reach the broker and authenticate.
type Config struct {
	AgentID  string
	Password string

	Host        string
	Port        int
	SSL         bool
	InsecureTLS bool
	CAFile      string

	// InstallDir substitutes the "$INSTDIR" token found in CAFile, matching
	// the Windows build's install-relative CA bundle location.
	InstallDir string

	// Metrics records this session's own outbound queue depth; nil
	// disables recording.
	Metrics *diagexport.Registry
}

// NotificationHandler is invoked for every decoded inbound message on the
// notification topic.
type NotificationHandler interface {
	OnThresholdUpdate(metricID string)
	OnFullSyncRequested()
	OnConfigWillChange()
}

// Session is the broker connection: connect/reconnect lifecycle, the
// outbound counter, and the disconnect-history-driven backoff policy.
type Session struct {
	cfg     Config
	handler NotificationHandler

	client paho.Client

	outbound  int64 // atomic: in-flight + pending, see outboundCap
	lastEpoch int64 // atomic unix nano of the last acknowledged publish

	mu            sync.Mutex
	history       *disconnectHistory
	stopCh        chan struct{}
	publicIPValue string
}

// New builds a Session. Call Run to start the connect/reconnect loop.
func New(cfg Config, handler NotificationHandler) *Session {
	return &Session{
		cfg:     cfg,
		handler: handler,
		history: newDisconnectHistory(15),
		stopCh:  make(chan struct{}),
	}
}

func (s *Session) brokerURL() string {
	scheme := "tcp"
	if s.cfg.SSL {
		scheme = "ssl"
	}

	return fmt.Sprintf("%s://%s:%d", scheme, s.cfg.Host, s.cfg.Port)
}

func (s *Session) disconnectTopic() string { return fmt.Sprintf("v1/agent/%s/disconnect", s.cfg.AgentID) }
func (s *Session) connectTopic() string    { return fmt.Sprintf("v1/agent/%s/connect", s.cfg.AgentID) }
func (s *Session) notificationTopic() string {
	return fmt.Sprintf("v1/agent/%s/notification", s.cfg.AgentID)
}
func (s *Session) dataTopic() string    { return fmt.Sprintf("v1/agent/%s/data", s.cfg.AgentID) }
func (s *Session) topInfoTopic() string { return fmt.Sprintf("v1/agent/%s/top_info", s.cfg.AgentID) }

// tlsConfig builds the TLS 1.2 client configuration, expanding a leading
// "$INSTDIR" token in the CA path (spec.md §4.3) and honoring InsecureTLS.
func (s *Session) tlsConfig() (*tls.Config, error) {
	conf := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: s.cfg.InsecureTLS, //nolint:gosec
	}

	if s.cfg.CAFile == "" {
		return conf, nil
	}

	caPath := s.cfg.CAFile
	if runtime.GOOS == "windows" && s.cfg.InstallDir != "" {
		caPath = strings.ReplaceAll(caPath, "$INSTDIR", s.cfg.InstallDir)
	}

	pem, err := os.ReadFile(caPath)
	if err != nil {
		return nil, fmt.Errorf("mqtt: reading CA file: %w", err)
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("mqtt: no certificate found in %s", caPath)
	}

	conf.RootCAs = pool

	return conf, nil
}

func (s *Session) clientOptions() (*paho.ClientOptions, error) {
	tlsConf, err := s.tlsConfig()
	if err != nil {
		return nil, err
	}

	opts := paho.NewClientOptions()
	opts.AddBroker(s.brokerURL())
	opts.SetClientID(s.cfg.AgentID)
	opts.SetUsername(s.cfg.AgentID + "@bleemeo.com")
	opts.SetPassword(s.cfg.Password)
	opts.SetTLSConfig(tlsConf)
	opts.SetAutoReconnect(false) // the session drives its own reconnection policy
	opts.SetConnectTimeout(15 * time.Second)
	opts.SetWill(s.disconnectTopic(), `{"disconnect-cause": "disconnect-will"}`, 1, true)
	opts.SetOnConnectHandler(s.onConnect)
	opts.SetConnectionLostHandler(s.onConnectionLost)

	return opts, nil
}

// onConnect publishes the connect notice and (re)subscribes to the
// notification topic, as required on every (re)connection.
func (s *Session) onConnect(c paho.Client) {
	logger.V(1).Printf("mqtt: connected to %s", s.brokerURL())

	publicIP := s.publicIP()
	payload := fmt.Sprintf(`{"public_ip": %q}`, publicIP)

	c.Publish(s.connectTopic(), 1, false, payload)

	if token := c.Subscribe(s.notificationTopic(), 1, s.onNotification); token.Wait() && token.Error() != nil {
		logger.V(0).Printf("mqtt: subscribe to notification topic failed: %v", token.Error())
	}
}

// publicIP is filled in by the caller via SetPublicIP before Run; defaults
// to empty when unknown.
func (s *Session) publicIP() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.publicIPValue
}

// SetPublicIP records the current public IP fact, published on the next
// connect notice.
func (s *Session) SetPublicIP(ip string) {
	s.mu.Lock()
	s.publicIPValue = ip
	s.mu.Unlock()
}

func (s *Session) onConnectionLost(_ paho.Client, err error) {
	logger.V(1).Printf("mqtt: connection lost: %v", err)

	s.mu.Lock()
	s.history.record(time.Now())
	s.mu.Unlock()
}

// IsPublishAllowed reports whether the outbound discipline permits another
// non-forced publish right now (spec.md §4.3): the in-flight-plus-pending
// counter must be under outboundCap.
func (s *Session) IsPublishAllowed() bool {
	return atomic.LoadInt64(&s.outbound) < outboundCap
}

// PublishData publishes a data-topic payload. Non-forced publishes beyond
// the outbound cap are silently dropped and reported as such; force=true
// publishes (connect/disconnect notices) bypass the cap.
func (s *Session) PublishData(payload []byte, force bool) bool {
	return s.publish(s.dataTopic(), payload, force)
}

// PublishTopInfo publishes a zlib-compressed host snapshot.
func (s *Session) PublishTopInfo(payload []byte) bool {
	return s.publish(s.topInfoTopic(), payload, false)
}

func (s *Session) publish(topic string, payload []byte, force bool) bool {
	if s.client == nil || !s.client.IsConnectionOpen() {
		return false
	}

	if !force && !s.IsPublishAllowed() {
		return false
	}

	n := atomic.AddInt64(&s.outbound, 1)
	s.cfg.Metrics.SetOutboundQueueSize(int(n))

	token := s.client.Publish(topic, 1, false, payload)

	go func() {
		token.Wait()

		n := atomic.AddInt64(&s.outbound, -1)
		s.cfg.Metrics.SetOutboundQueueSize(int(n))
		atomic.StoreInt64(&s.lastEpoch, time.Now().UnixNano())
	}()

	return true
}

// LastReportTime returns the wall-clock time of the last acknowledged
// publish, the agent's "last report" timestamp (spec.md §4.3).
func (s *Session) LastReportTime() time.Time {
	ns := atomic.LoadInt64(&s.lastEpoch)
	if ns == 0 {
		return time.Time{}
	}

	return time.Unix(0, ns)
}

// Stop tears the session down permanently, publishing a non-retained
// disconnect notice first.
func (s *Session) Stop() {
	close(s.stopCh)

	if s.client != nil && s.client.IsConnectionOpen() {
		s.publish(s.disconnectTopic(), []byte(`{"disconnect-cause": "clean"}`), true)
		s.client.Disconnect(250)
	}
}

func init() {
	// paho.mqtt.golang logs at a verbosity this connector's logger already
	// gates; route its own diagnostics through it instead of stdlib log.
	paho.ERROR = pahoLogAdapter{level: 0}
	paho.CRITICAL = pahoLogAdapter{level: 0}
	paho.WARN = pahoLogAdapter{level: 1}
	paho.DEBUG = pahoLogAdapter{level: 2}
}

type pahoLogAdapter struct{ level int }

func (a pahoLogAdapter) Println(v ...interface{}) {
	logger.V(a.level).Printf("mqtt: %s", fmt.Sprintln(v...))
}

func (a pahoLogAdapter) Printf(format string, v ...interface{}) {
	logger.V(a.level).Printf("mqtt: "+format, v...)
}
