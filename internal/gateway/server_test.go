package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/X9X0/LabLink-sub001/internal/alarm"
	"github.com/X9X0/LabLink-sub001/internal/clientsession"
	"github.com/X9X0/LabLink-sub001/internal/equipment"
	"github.com/X9X0/LabLink-sub001/internal/events"
	"github.com/X9X0/LabLink-sub001/internal/fault"
	"github.com/X9X0/LabLink-sub001/internal/health"
	"github.com/X9X0/LabLink-sub001/internal/lock"
	"github.com/X9X0/LabLink-sub001/internal/metrics"
	"github.com/X9X0/LabLink-sub001/internal/schedule"
	"github.com/X9X0/LabLink-sub001/internal/sim"
	"github.com/X9X0/LabLink-sub001/internal/store"
	"github.com/X9X0/LabLink-sub001/internal/stream"
	"github.com/X9X0/LabLink-sub001/internal/transport"
)

// newTestDeps assembles the full subsystem stack over simulated transports,
// wired the same way the composition root wires it.
func newTestDeps(t *testing.T) Deps {
	t.Helper()

	ring := events.NewRing(0)
	locks := lock.NewArbiter(lock.Options{Ring: ring})
	t.Cleanup(func() { locks.Close() })

	sessions := clientsession.NewRegistry(clientsession.Options{})
	t.Cleanup(func() { sessions.Close() })

	st, err := store.Open(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}

	var fleet *equipment.Manager
	var streams *stream.Multiplexer

	fleet = equipment.NewManager(equipment.Options{
		Ring:  ring,
		Store: st,
		OnDrop: func(equipmentID string) {
			locks.DropEquipment(equipmentID)
			streams.DropEquipment(equipmentID)
		},
	})
	t.Cleanup(fleet.Close)

	streams = stream.NewMultiplexer(stream.Options{
		Source: func(equipmentID, streamType string) (stream.SnapshotFunc, error) {
			return fleet.Snapshot(equipmentID, streamType)
		},
		ResumeGrace: 5 * time.Second,
	})
	t.Cleanup(func() { streams.Close() })

	alarms := alarm.NewEngine(alarm.Options{Telemetry: fleet})
	t.Cleanup(alarms.Close)

	scheduler := schedule.NewScheduler(schedule.Options{
		Dispatcher: schedule.DispatcherFunc(func(ctx context.Context, job schedule.Job) error {
			return nil
		}),
	})
	t.Cleanup(scheduler.Close)

	sessions.OnEnd(func(sessionID string, reason clientsession.EndReason) {
		locks.ReleaseAllFor(sessionID)
		streams.UnsubscribeAll(sessionID)
		fleet.CancelSession(sessionID)
	})

	return Deps{
		Fleet:     fleet,
		Locks:     locks,
		Sessions:  sessions,
		Streams:   streams,
		Alarms:    alarms,
		Scheduler: scheduler,
		Health:    health.NewCollector("test"),
		Metrics:   metrics.NewCollector(),
		Usage:     metrics.NewUsageTracker(),
		Ring:      ring,
	}
}

func newTestServer(t *testing.T, deps Deps) *Server {
	t.Helper()
	server, cleanup, err := StartTestServer(deps)
	if err != nil {
		t.Fatalf("StartTestServer: %v", err)
	}
	t.Cleanup(cleanup)
	return server
}

// registerPSU exposes a fresh simulated supply as mock://<name>.
func registerPSU(t *testing.T, name string) *sim.PowerSupplyEngine {
	t.Helper()
	engine := sim.NewPowerSupplyEngine(sim.DefaultPowerSupplyConfig())
	transport.RegisterMock(name, engine)
	t.Cleanup(func() { transport.UnregisterMock(name) })
	return engine
}

func postJSON(t *testing.T, url string, body interface{}) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, dst interface{}) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func wantStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("status = %d, want %d (body %s)", resp.StatusCode, want, body)
	}
}

func decodeError(t *testing.T, resp *http.Response) *fault.Fault {
	t.Helper()
	var envelope ErrorBody
	decodeBody(t, resp, &envelope)
	if envelope.Error == nil {
		t.Fatalf("response carries no error envelope")
	}
	return envelope.Error
}

// connectPSU registers a simulated supply and connects it through the API.
func connectPSU(t *testing.T, server *Server, name string) ConnectResponse {
	t.Helper()
	registerPSU(t, name)
	resp := postJSON(t, server.URL()+"/equipment/connect", ConnectRequest{
		ResourceString: "mock://" + name,
		EquipmentType:  "power_supply",
	})
	wantStatus(t, resp, http.StatusCreated)
	var result ConnectResponse
	decodeBody(t, resp, &result)
	return result
}

func createSession(t *testing.T, server *Server, clientName string) string {
	t.Helper()
	resp := postJSON(t, server.URL()+"/sessions", CreateSessionRequest{ClientName: clientName})
	wantStatus(t, resp, http.StatusCreated)
	var sess clientsession.Session
	decodeBody(t, resp, &sess)
	if sess.ID == "" {
		t.Fatalf("created session has no ID")
	}
	return sess.ID
}

// sendCommand posts an instrument command, carrying the session the way
// clients normally do: in the X-Session-ID header.
func sendCommand(t *testing.T, server *Server, equipmentID, sessionID, action string, params map[string]interface{}) *http.Response {
	t.Helper()
	data, err := json.Marshal(CommandRequest{Action: action, Parameters: params})
	if err != nil {
		t.Fatalf("marshal command: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, server.URL()+"/equipment/"+equipmentID+"/command", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("build command request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if sessionID != "" {
		req.Header.Set(sessionHeader, sessionID)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST command: %v", err)
	}
	return resp
}

func TestServerLifecycle(t *testing.T) {
	server := NewServer("127.0.0.1:0", newTestDeps(t))

	if server.IsRunning() {
		t.Error("IsRunning before Start")
	}
	if err := server.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !server.IsRunning() {
		t.Error("not running after Start")
	}
	if err := server.Start(); err == nil {
		t.Error("second Start did not fail")
	}

	resp, err := http.Get(server.URL() + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	wantStatus(t, resp, http.StatusOK)
	var hz HealthzResponse
	decodeBody(t, resp, &hz)
	if hz.Status != "ok" {
		t.Errorf("healthz status = %q", hz.Status)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if server.IsRunning() {
		t.Error("still running after Shutdown")
	}
}

func TestEquipmentConnectCommandReadings(t *testing.T) {
	server := newTestServer(t, newTestDeps(t))
	eq := connectPSU(t, server, "psu-gw-roundtrip")

	resp, err := http.Get(server.URL() + "/equipment/" + eq.EquipmentID)
	if err != nil {
		t.Fatalf("GET status: %v", err)
	}
	wantStatus(t, resp, http.StatusOK)
	var status equipment.Status
	decodeBody(t, resp, &status)
	if !status.Connected || status.EquipmentID != eq.EquipmentID {
		t.Fatalf("status = %+v", status)
	}

	resp = sendCommand(t, server, eq.EquipmentID, "", "set_voltage", map[string]interface{}{"voltage": 5.0})
	wantStatus(t, resp, http.StatusOK)
	var cmd CommandResponse
	decodeBody(t, resp, &cmd)
	if !cmd.Success {
		t.Fatalf("set_voltage failed: %+v", cmd.Error)
	}

	resp = sendCommand(t, server, eq.EquipmentID, "", "set_output", map[string]interface{}{"enabled": true})
	wantStatus(t, resp, http.StatusOK)

	resp = sendCommand(t, server, eq.EquipmentID, "", "get_readings", nil)
	wantStatus(t, resp, http.StatusOK)
	decodeBody(t, resp, &cmd)
	if !cmd.Success {
		t.Fatalf("get_readings failed: %+v", cmd.Error)
	}
	voltage, _ := cmd.Data["voltage"].(float64)
	current, _ := cmd.Data["current"].(float64)
	if voltage < 4.5 || voltage > 5.5 {
		t.Errorf("voltage = %v, want about 5", voltage)
	}
	if current < 0.4 || current > 0.6 {
		t.Errorf("current = %v, want about 0.5", current)
	}
	if mode := cmd.Data["mode"]; mode != "CV" {
		t.Errorf("mode = %v, want CV", mode)
	}
}

func TestCommandValidation(t *testing.T) {
	server := newTestServer(t, newTestDeps(t))
	eq := connectPSU(t, server, "psu-gw-validation")

	t.Run("missing action", func(t *testing.T) {
		resp := sendCommand(t, server, eq.EquipmentID, "", "", nil)
		wantStatus(t, resp, http.StatusBadRequest)
		if f := decodeError(t, resp); f.Kind != fault.KindBadRequest {
			t.Errorf("kind = %s", f.Kind)
		}
	})

	t.Run("malformed JSON", func(t *testing.T) {
		resp, err := http.Post(server.URL()+"/equipment/"+eq.EquipmentID+"/command",
			"application/json", bytes.NewReader([]byte("{not json")))
		if err != nil {
			t.Fatalf("POST: %v", err)
		}
		wantStatus(t, resp, http.StatusBadRequest)
	})

	t.Run("unknown equipment", func(t *testing.T) {
		resp := sendCommand(t, server, "eq_000000000000", "", "get_readings", nil)
		wantStatus(t, resp, http.StatusNotFound)
		var cmd CommandResponse
		decodeBody(t, resp, &cmd)
		if cmd.Success || cmd.Error == nil || cmd.Error.Kind != fault.KindNotFound {
			t.Errorf("command response = %+v", cmd)
		}
	})

	t.Run("unsupported operation", func(t *testing.T) {
		resp := sendCommand(t, server, eq.EquipmentID, "", "set_timebase", map[string]interface{}{"seconds_per_div": 0.001})
		wantStatus(t, resp, http.StatusBadRequest)
		var cmd CommandResponse
		decodeBody(t, resp, &cmd)
		if cmd.Success || cmd.Error == nil {
			t.Errorf("command response = %+v", cmd)
		}
	})

	t.Run("unknown session rejected", func(t *testing.T) {
		resp := sendCommand(t, server, eq.EquipmentID, "ses_does_not_exist", "get_readings", nil)
		wantStatus(t, resp, http.StatusNotFound)
	})
}

func TestCommandLockPolicy(t *testing.T) {
	deps := newTestDeps(t)
	deps.LocksEnforced = true
	server := newTestServer(t, deps)
	eq := connectPSU(t, server, "psu-gw-policy")

	sesA := createSession(t, server, "holder")
	sesB := createSession(t, server, "bystander")

	resp := postJSON(t, server.URL()+"/locks/acquire", LockAcquireRequest{
		EquipmentID: eq.EquipmentID,
		SessionID:   sesA,
		Mode:        "exclusive",
	})
	wantStatus(t, resp, http.StatusOK)
	var grant LockAcquireResponse
	decodeBody(t, resp, &grant)
	if grant.Outcome != string(lock.OutcomeLocked) {
		t.Fatalf("outcome = %q", grant.Outcome)
	}

	t.Run("holder controls", func(t *testing.T) {
		resp := sendCommand(t, server, eq.EquipmentID, sesA, "set_voltage", map[string]interface{}{"voltage": 3.3})
		wantStatus(t, resp, http.StatusOK)
	})

	t.Run("anonymous control denied", func(t *testing.T) {
		resp := sendCommand(t, server, eq.EquipmentID, "", "set_voltage", map[string]interface{}{"voltage": 1.0})
		wantStatus(t, resp, http.StatusForbidden)
		var cmd CommandResponse
		decodeBody(t, resp, &cmd)
		if cmd.Error == nil || cmd.Error.Kind != fault.KindPermissionDenied {
			t.Errorf("error = %+v", cmd.Error)
		}
	})

	t.Run("non-holder control denied with holder detail", func(t *testing.T) {
		resp := sendCommand(t, server, eq.EquipmentID, sesB, "set_voltage", map[string]interface{}{"voltage": 1.0})
		wantStatus(t, resp, http.StatusForbidden)
		var cmd CommandResponse
		decodeBody(t, resp, &cmd)
		if cmd.Error == nil || cmd.Error.Kind != fault.KindPermissionDenied {
			t.Fatalf("error = %+v", cmd.Error)
		}
		if holder := cmd.Error.Details["holder"]; holder != sesA {
			t.Errorf("holder detail = %v, want %s", holder, sesA)
		}
	})

	t.Run("session without lock cannot read", func(t *testing.T) {
		resp := sendCommand(t, server, eq.EquipmentID, sesB, "get_readings", nil)
		wantStatus(t, resp, http.StatusForbidden)
	})

	t.Run("anonymous read passes", func(t *testing.T) {
		resp := sendCommand(t, server, eq.EquipmentID, "", "get_readings", nil)
		wantStatus(t, resp, http.StatusOK)
	})

	t.Run("holder reads", func(t *testing.T) {
		resp := sendCommand(t, server, eq.EquipmentID, sesA, "get_readings", nil)
		wantStatus(t, resp, http.StatusOK)
	})

	t.Run("session in body resolves", func(t *testing.T) {
		resp := postJSON(t, server.URL()+"/equipment/"+eq.EquipmentID+"/command", CommandRequest{
			Action:     "set_voltage",
			Parameters: map[string]interface{}{"voltage": 2.5},
			SessionID:  sesA,
		})
		wantStatus(t, resp, http.StatusOK)
	})
}

func TestLockQueueAndPromotion(t *testing.T) {
	server := newTestServer(t, newTestDeps(t))
	eq := connectPSU(t, server, "psu-gw-queue")

	sesA := createSession(t, server, "first")
	sesB := createSession(t, server, "second")

	resp := postJSON(t, server.URL()+"/locks/acquire", LockAcquireRequest{
		EquipmentID: eq.EquipmentID, SessionID: sesA, Mode: "exclusive",
	})
	wantStatus(t, resp, http.StatusOK)

	t.Run("conflict without queueing", func(t *testing.T) {
		resp := postJSON(t, server.URL()+"/locks/acquire", LockAcquireRequest{
			EquipmentID: eq.EquipmentID, SessionID: sesB, Mode: "exclusive",
		})
		wantStatus(t, resp, http.StatusConflict)
		f := decodeError(t, resp)
		if f.Details["holder"] != sesA {
			t.Errorf("holder detail = %v", f.Details["holder"])
		}
	})

	resp = postJSON(t, server.URL()+"/locks/acquire", LockAcquireRequest{
		EquipmentID: eq.EquipmentID, SessionID: sesB, Mode: "exclusive", QueueIfBusy: true,
	})
	wantStatus(t, resp, http.StatusAccepted)
	var queued LockAcquireResponse
	decodeBody(t, resp, &queued)
	if queued.Outcome != string(lock.OutcomeQueued) || queued.Position == nil || *queued.Position != 0 {
		t.Fatalf("queued response = %+v", queued)
	}

	resp, err := http.Get(server.URL() + "/locks/" + eq.EquipmentID + "/queue")
	if err != nil {
		t.Fatalf("GET queue: %v", err)
	}
	wantStatus(t, resp, http.StatusOK)
	var queue LockQueueResponse
	decodeBody(t, resp, &queue)
	if len(queue.Queue) != 1 || queue.Queue[0].SessionID != sesB {
		t.Fatalf("queue = %+v", queue.Queue)
	}

	resp = postJSON(t, server.URL()+"/locks/release", LockReleaseRequest{
		EquipmentID: eq.EquipmentID, SessionID: sesA,
	})
	wantStatus(t, resp, http.StatusOK)
	var released LockReleaseResponse
	decodeBody(t, resp, &released)
	if released.Promoted != sesB {
		t.Errorf("promoted = %q, want %s", released.Promoted, sesB)
	}

	resp, err = http.Get(server.URL() + "/locks/" + eq.EquipmentID)
	if err != nil {
		t.Fatalf("GET lock status: %v", err)
	}
	wantStatus(t, resp, http.StatusOK)
	var st lock.Status
	decodeBody(t, resp, &st)
	if st.Exclusive == nil || st.Exclusive.SessionID != sesB {
		t.Fatalf("exclusive after promotion = %+v", st.Exclusive)
	}
}

func TestLockEndpointsRequireSession(t *testing.T) {
	server := newTestServer(t, newTestDeps(t))

	for _, action := range []string{"acquire", "release", "touch"} {
		t.Run(action, func(t *testing.T) {
			resp := postJSON(t, server.URL()+"/locks/"+action, map[string]interface{}{
				"equipment_id": "eq_abcdef123456",
			})
			wantStatus(t, resp, http.StatusBadRequest)
		})
	}
}

func TestSessionLifecycleOverHTTP(t *testing.T) {
	server := newTestServer(t, newTestDeps(t))

	resp := postJSON(t, server.URL()+"/sessions", CreateSessionRequest{
		ClientName: "bench-suite",
		Metadata:   map[string]interface{}{"rack": "b4"},
	})
	wantStatus(t, resp, http.StatusCreated)
	var sess clientsession.Session
	decodeBody(t, resp, &sess)
	if sess.ClientName != "bench-suite" || sess.Origin == "" {
		t.Fatalf("session = %+v", sess)
	}

	resp, err := http.Get(server.URL() + "/sessions/" + sess.ID)
	if err != nil {
		t.Fatalf("GET session: %v", err)
	}
	wantStatus(t, resp, http.StatusOK)

	resp = postJSON(t, server.URL()+"/sessions/"+sess.ID+"/touch", nil)
	wantStatus(t, resp, http.StatusOK)

	resp = postJSON(t, server.URL()+"/sessions/"+sess.ID+"/end", nil)
	wantStatus(t, resp, http.StatusOK)
	var ended EndSessionResponse
	decodeBody(t, resp, &ended)
	if !ended.Ended {
		t.Error("Ended = false")
	}

	resp, err = http.Get(server.URL() + "/sessions/" + sess.ID)
	if err != nil {
		t.Fatalf("GET ended session: %v", err)
	}
	wantStatus(t, resp, http.StatusNotFound)

	t.Run("system session cannot be ended", func(t *testing.T) {
		resp := postJSON(t, server.URL()+"/sessions/"+clientsession.SystemSessionID+"/end", nil)
		wantStatus(t, resp, http.StatusBadRequest)
	})
}

// Ending a session over HTTP must release its locks through the registry's
// end callbacks.
func TestSessionEndReleasesLocks(t *testing.T) {
	server := newTestServer(t, newTestDeps(t))
	deps := server.deps
	eq := connectPSU(t, server, "psu-gw-end-release")
	ses := createSession(t, server, "short-lived")

	resp := postJSON(t, server.URL()+"/locks/acquire", LockAcquireRequest{
		EquipmentID: eq.EquipmentID, SessionID: ses, Mode: "exclusive",
	})
	wantStatus(t, resp, http.StatusOK)

	resp = postJSON(t, server.URL()+"/sessions/"+ses+"/end", nil)
	wantStatus(t, resp, http.StatusOK)

	if deps.Locks.CanControl(eq.EquipmentID, ses) {
		t.Error("lock survived session end")
	}
	st := deps.Locks.Status(eq.EquipmentID)
	if st.Exclusive != nil {
		t.Errorf("exclusive = %+v after session end", st.Exclusive)
	}
}

func TestDisconnectPolicy(t *testing.T) {
	deps := newTestDeps(t)
	deps.LocksEnforced = true
	server := newTestServer(t, deps)
	eq := connectPSU(t, server, "psu-gw-disconnect")

	holder := createSession(t, server, "holder")
	other := createSession(t, server, "other")

	resp := postJSON(t, server.URL()+"/locks/acquire", LockAcquireRequest{
		EquipmentID: eq.EquipmentID, SessionID: holder, Mode: "exclusive",
	})
	wantStatus(t, resp, http.StatusOK)

	t.Run("anonymous denied", func(t *testing.T) {
		resp := postJSON(t, server.URL()+"/equipment/disconnect/"+eq.EquipmentID, nil)
		wantStatus(t, resp, http.StatusForbidden)
	})

	t.Run("non-holder denied", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodPost, server.URL()+"/equipment/disconnect/"+eq.EquipmentID, nil)
		req.Header.Set(sessionHeader, other)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("POST disconnect: %v", err)
		}
		wantStatus(t, resp, http.StatusForbidden)
	})

	t.Run("holder disconnects", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodPost, server.URL()+"/equipment/disconnect/"+eq.EquipmentID, nil)
		req.Header.Set(sessionHeader, holder)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("POST disconnect: %v", err)
		}
		wantStatus(t, resp, http.StatusOK)
		if deps.Fleet.Count() != 0 {
			t.Errorf("Count = %d after disconnect", deps.Fleet.Count())
		}
		// OnDrop wiring cleared the lock with the equipment.
		if st := deps.Locks.Status(eq.EquipmentID); st.Exclusive != nil {
			t.Errorf("lock survived disconnect: %+v", st.Exclusive)
		}
	})
}

func TestStateSaveRecallOverHTTP(t *testing.T) {
	server := newTestServer(t, newTestDeps(t))
	eq := connectPSU(t, server, "psu-gw-state")

	resp := sendCommand(t, server, eq.EquipmentID, "", "set_voltage", map[string]interface{}{"voltage": 12.0})
	wantStatus(t, resp, http.StatusOK)

	t.Run("save requires state_id", func(t *testing.T) {
		resp := postJSON(t, server.URL()+"/equipment/"+eq.EquipmentID+"/state/save", StateRequest{})
		wantStatus(t, resp, http.StatusBadRequest)
	})

	resp = postJSON(t, server.URL()+"/equipment/"+eq.EquipmentID+"/state/save", StateRequest{StateID: "cal-12v"})
	wantStatus(t, resp, http.StatusCreated)

	resp = sendCommand(t, server, eq.EquipmentID, "", "set_voltage", map[string]interface{}{"voltage": 1.0})
	wantStatus(t, resp, http.StatusOK)

	resp = postJSON(t, server.URL()+"/equipment/"+eq.EquipmentID+"/state/recall", StateRequest{StateID: "cal-12v"})
	wantStatus(t, resp, http.StatusOK)

	resp, err := http.Get(server.URL() + "/equipment/" + eq.EquipmentID + "/state/list")
	if err != nil {
		t.Fatalf("GET state list: %v", err)
	}
	wantStatus(t, resp, http.StatusOK)
	var list StateListResponse
	decodeBody(t, resp, &list)
	if len(list.States) != 1 || list.States[0].StateID != "cal-12v" {
		t.Fatalf("states = %+v", list.States)
	}

	resp = postJSON(t, server.URL()+"/equipment/"+eq.EquipmentID+"/state/delete", StateRequest{StateID: "cal-12v"})
	wantStatus(t, resp, http.StatusOK)
	var deleted StateDeleteResponse
	decodeBody(t, resp, &deleted)
	if !deleted.Deleted {
		t.Error("Deleted = false")
	}
}

func TestAlarmEndpoints(t *testing.T) {
	server := newTestServer(t, newTestDeps(t))

	def := alarm.Definition{
		Name:        "overvoltage",
		EquipmentID: "eq_abcdef123456",
		Parameter:   "voltage",
		Kind:        alarm.KindThresholdHigh,
		High:        12.5,
		Severity:    alarm.SeverityCritical,
		Enabled:     true,
	}
	resp := postJSON(t, server.URL()+"/alarms", def)
	wantStatus(t, resp, http.StatusCreated)
	var created alarm.Definition
	decodeBody(t, resp, &created)
	if created.ID == "" {
		t.Fatalf("created alarm has no ID")
	}

	resp, err := http.Get(server.URL() + "/alarms")
	if err != nil {
		t.Fatalf("GET alarms: %v", err)
	}
	wantStatus(t, resp, http.StatusOK)
	var list AlarmListResponse
	decodeBody(t, resp, &list)
	if len(list.Alarms) != 1 || list.Alarms[0].Name != "overvoltage" {
		t.Fatalf("alarms = %+v", list.Alarms)
	}

	resp = postJSON(t, server.URL()+"/alarms/"+created.ID+"/enable", EnableRequest{Enabled: false})
	wantStatus(t, resp, http.StatusOK)
	var updated alarm.Definition
	decodeBody(t, resp, &updated)
	if updated.Enabled {
		t.Error("alarm still enabled")
	}

	resp, err = http.Get(server.URL() + "/alarms/statistics")
	if err != nil {
		t.Fatalf("GET statistics: %v", err)
	}
	wantStatus(t, resp, http.StatusOK)

	resp, err = http.Get(server.URL() + "/alarms/events?state=active")
	if err != nil {
		t.Fatalf("GET events: %v", err)
	}
	wantStatus(t, resp, http.StatusOK)
	var evs AlarmEventsResponse
	decodeBody(t, resp, &evs)
	if len(evs.Events) != 0 {
		t.Errorf("events = %+v, want none", evs.Events)
	}

	req, _ := http.NewRequest(http.MethodDelete, server.URL()+"/alarms/"+created.ID, nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE alarm: %v", err)
	}
	wantStatus(t, resp, http.StatusOK)

	resp, err = http.Get(server.URL() + "/alarms/" + created.ID)
	if err != nil {
		t.Fatalf("GET deleted alarm: %v", err)
	}
	wantStatus(t, resp, http.StatusNotFound)
}

func TestScheduleEndpoints(t *testing.T) {
	server := newTestServer(t, newTestDeps(t))

	job := schedule.Job{
		Name: "nightly-readings",
		Kind: schedule.KindOneShot,
		AtMs: time.Now().Add(time.Hour).UnixMilli(),
		Target: schedule.Target{
			Type:        schedule.TargetOperation,
			EquipmentID: "eq_abcdef123456",
			Operation:   "get_readings",
		},
		Enabled: true,
	}
	resp := postJSON(t, server.URL()+"/schedule", job)
	wantStatus(t, resp, http.StatusCreated)
	var created schedule.Job
	decodeBody(t, resp, &created)
	if created.ID == "" || created.NextFire == 0 {
		t.Fatalf("created job = %+v", created)
	}

	resp, err := http.Get(server.URL() + "/schedule/next")
	if err != nil {
		t.Fatalf("GET next: %v", err)
	}
	wantStatus(t, resp, http.StatusOK)
	var next NextFireResponse
	decodeBody(t, resp, &next)
	if next.Job == nil || next.Job.ID != created.ID {
		t.Fatalf("next = %+v", next.Job)
	}

	resp = postJSON(t, server.URL()+"/schedule/"+created.ID+"/enable", EnableRequest{Enabled: false})
	wantStatus(t, resp, http.StatusOK)

	t.Run("invalid job rejected", func(t *testing.T) {
		bad := schedule.Job{Name: "no-target", Kind: schedule.KindOneShot, AtMs: 1}
		resp := postJSON(t, server.URL()+"/schedule", bad)
		wantStatus(t, resp, http.StatusBadRequest)
	})

	req, _ := http.NewRequest(http.MethodDelete, server.URL()+"/schedule/"+created.ID, nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE job: %v", err)
	}
	wantStatus(t, resp, http.StatusOK)

	resp, err = http.Get(server.URL() + "/schedule/next")
	if err != nil {
		t.Fatalf("GET next after delete: %v", err)
	}
	var empty NextFireResponse
	decodeBody(t, resp, &empty)
	if empty.Job != nil {
		t.Errorf("next = %+v after delete", empty.Job)
	}
}

func TestEndpointAndMethodErrors(t *testing.T) {
	server := newTestServer(t, newTestDeps(t))

	t.Run("unknown endpoint", func(t *testing.T) {
		resp, err := http.Get(server.URL() + "/equipment/eq_x/bogus")
		if err != nil {
			t.Fatalf("GET: %v", err)
		}
		wantStatus(t, resp, http.StatusNotFound)
		if f := decodeError(t, resp); f.Kind != fault.KindNotFound {
			t.Errorf("kind = %s", f.Kind)
		}
	})

	t.Run("wrong method", func(t *testing.T) {
		resp, err := http.Get(server.URL() + "/equipment/connect")
		if err != nil {
			t.Fatalf("GET: %v", err)
		}
		if resp.StatusCode != http.StatusMethodNotAllowed {
			t.Fatalf("status = %d", resp.StatusCode)
		}
		if allow := resp.Header.Get("Allow"); allow != "POST" {
			t.Errorf("Allow = %q", allow)
		}
		resp.Body.Close()
	})
}

func TestSystemHealthAndMetrics(t *testing.T) {
	server := newTestServer(t, newTestDeps(t))
	eq := connectPSU(t, server, "psu-gw-health")
	ses := createSession(t, server, "health-check")

	resp := sendCommand(t, server, eq.EquipmentID, ses, "get_readings", nil)
	wantStatus(t, resp, http.StatusOK)

	resp, err := http.Get(server.URL() + "/system/health")
	if err != nil {
		t.Fatalf("GET system health: %v", err)
	}
	wantStatus(t, resp, http.StatusOK)
	var snap struct {
		Status     string                 `json:"status"`
		Subsystems map[string]interface{} `json:"subsystems"`
	}
	decodeBody(t, resp, &snap)
	for _, key := range []string{"equipment", "sessions", "locks", "streams", "alarms", "jobs", "api"} {
		if _, ok := snap.Subsystems[key]; !ok {
			t.Errorf("subsystems missing %q", key)
		}
	}

	resp, err = http.Get(server.URL() + "/metrics")
	if err != nil {
		t.Fatalf("GET metrics: %v", err)
	}
	wantStatus(t, resp, http.StatusOK)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !bytes.Contains(body, []byte("lablink_operations_total")) {
		t.Errorf("metrics output missing operation counter:\n%s", body)
	}

	summary := server.deps.Usage.Summary(false, false)
	if summary.RequestsTotal == 0 {
		t.Error("usage tracker saw no requests")
	}
}

func TestUsageEndpoints(t *testing.T) {
	server := newTestServer(t, newTestDeps(t))
	eq := connectPSU(t, server, "psu-gw-usage")
	ses := createSession(t, server, "usage-probe")

	for i := 0; i < 3; i++ {
		resp := sendCommand(t, server, eq.EquipmentID, ses, "get_readings", nil)
		wantStatus(t, resp, http.StatusOK)
	}
	// A rejected command moves the error counters too.
	resp := sendCommand(t, server, eq.EquipmentID, ses, "set_voltage", nil)
	wantStatus(t, resp, http.StatusBadRequest)

	resp, err := http.Get(server.URL() + "/system/usage")
	if err != nil {
		t.Fatalf("GET system usage: %v", err)
	}
	wantStatus(t, resp, http.StatusOK)
	var summary metrics.UsageSummary
	decodeBody(t, resp, &summary)
	if summary.RequestsTotal < 4 {
		t.Errorf("requests_total = %d, want >= 4", summary.RequestsTotal)
	}
	if summary.ErrorsTotal == 0 {
		t.Error("errors_total = 0 after rejected command")
	}
	if summary.SessionsSeen == 0 {
		t.Error("sessions_seen = 0")
	}
	if len(summary.Clients) == 0 {
		t.Fatal("summary carries no client breakdown")
	}
	if len(summary.Events) != 0 {
		t.Errorf("events included without ?events: %+v", summary.Events)
	}

	// Link events come from duplex attach/detach, which plain HTTP traffic
	// never produces. Seed one pair the way the stream endpoint does.
	server.deps.Usage.RecordAttach(ses)
	server.deps.Usage.RecordDetach(ses, metrics.DetachReasonClientClose)

	resp, err = http.Get(server.URL() + "/system/usage?events=5")
	if err != nil {
		t.Fatalf("GET system usage with events: %v", err)
	}
	wantStatus(t, resp, http.StatusOK)
	var withEvents metrics.UsageSummary
	decodeBody(t, resp, &withEvents)
	if len(withEvents.Events) != 2 {
		t.Fatalf("events = %+v, want attach and detach", withEvents.Events)
	}
	if withEvents.Events[0].EventType != metrics.LinkAttached || withEvents.Events[1].EventType != metrics.LinkDetached {
		t.Errorf("event order = %s, %s", withEvents.Events[0].EventType, withEvents.Events[1].EventType)
	}

	t.Run("bad events count rejected", func(t *testing.T) {
		for _, q := range []string{"events=abc", "events=-1"} {
			resp, err := http.Get(server.URL() + "/system/usage?" + q)
			if err != nil {
				t.Fatalf("GET %s: %v", q, err)
			}
			wantStatus(t, resp, http.StatusBadRequest)
		}
	})

	resp, err = http.Get(server.URL() + "/sessions/" + ses + "/usage")
	if err != nil {
		t.Fatalf("GET session usage: %v", err)
	}
	wantStatus(t, resp, http.StatusOK)
	var client metrics.ClientMetrics
	decodeBody(t, resp, &client)
	if client.SessionID != ses {
		t.Errorf("session_id = %q, want %q", client.SessionID, ses)
	}
	if client.RequestCount < 4 {
		t.Errorf("request_count = %d, want >= 4", client.RequestCount)
	}
	if client.ErrorCount == 0 {
		t.Error("error_count = 0 after rejected command")
	}
	if client.Attached {
		t.Error("client still marked attached after detach")
	}

	t.Run("unseen session", func(t *testing.T) {
		resp, err := http.Get(server.URL() + "/sessions/sess-00000000/usage")
		if err != nil {
			t.Fatalf("GET: %v", err)
		}
		wantStatus(t, resp, http.StatusNotFound)
		if f := decodeError(t, resp); f.Kind != fault.KindNotFound {
			t.Errorf("kind = %s", f.Kind)
		}
	})
}

func TestEquipmentEventsEndpoint(t *testing.T) {
	server := newTestServer(t, newTestDeps(t))
	eq := connectPSU(t, server, "psu-gw-events")

	resp, err := http.Get(server.URL() + "/equipment/" + eq.EquipmentID + "/events")
	if err != nil {
		t.Fatalf("GET events: %v", err)
	}
	wantStatus(t, resp, http.StatusOK)
	var evs EquipmentEventsResponse
	decodeBody(t, resp, &evs)
	if len(evs.Events) == 0 {
		t.Fatalf("no events recorded for fresh connection")
	}
	if evs.Events[0].Type != events.RingConnected {
		t.Errorf("first event = %+v", evs.Events[0])
	}
}
