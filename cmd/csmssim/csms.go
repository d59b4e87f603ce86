package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/voltgrid/chargepointd/internal/ocpp"
)

var upgrader = websocket.Upgrader{
	Subprotocols: []string{"ocpp1.6"},
	CheckOrigin:  func(r *http.Request) bool { return true },
}

// CSMS is a minimal central system for exercising a charge point locally:
// it answers the charge-point-initiated actions and lets the operator fire
// remote commands from stdin.
type CSMS struct {
	log               *zap.Logger
	heartbeatInterval int

	mu       sync.RWMutex
	clients  map[string]*websocket.Conn
	pending  map[string]chan ocpp.Message
	nextTxID int
}

func NewCSMS(heartbeatInterval int, log *zap.Logger) *CSMS {
	return &CSMS{
		log:               log,
		heartbeatInterval: heartbeatInterval,
		clients:           make(map[string]*websocket.Conn),
		pending:           make(map[string]chan ocpp.Message),
		nextTxID:          1000,
	}
}

func (c *CSMS) Listen(addr, pathPrefix string) error {
	mux := http.NewServeMux()
	mux.HandleFunc(pathPrefix+"/", c.handleWebSocket(pathPrefix))
	c.log.Info("Mock CSMS listening", zap.String("addr", addr), zap.String("path", pathPrefix))
	return http.ListenAndServe(addr, mux)
}

func (c *CSMS) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, conn := range c.clients {
		conn.Close()
		delete(c.clients, id)
	}
}

func (c *CSMS) handleWebSocket(pathPrefix string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		chargePointID := strings.TrimPrefix(r.URL.Path, pathPrefix+"/")
		if chargePointID == "" {
			http.Error(w, "missing charge point ID", http.StatusBadRequest)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			c.log.Error("WebSocket upgrade failed", zap.Error(err))
			return
		}

		c.mu.Lock()
		c.clients[chargePointID] = conn
		c.mu.Unlock()
		c.log.Info("Charge point connected", zap.String("charge_point_id", chargePointID))

		defer func() {
			conn.Close()
			c.mu.Lock()
			delete(c.clients, chargePointID)
			c.mu.Unlock()
			c.log.Info("Charge point disconnected", zap.String("charge_point_id", chargePointID))
		}()

		for {
			_, frame, err := conn.ReadMessage()
			if err != nil {
				return
			}
			c.handleFrame(chargePointID, conn, frame)
		}
	}
}

func (c *CSMS) handleFrame(chargePointID string, conn *websocket.Conn, frame []byte) {
	msg, err := ocpp.Parse(frame)
	if err != nil {
		c.log.Warn("Dropping malformed frame", zap.Error(err))
		return
	}

	switch msg.Kind {
	case ocpp.KindCall:
		reply := c.handleRequest(chargePointID, msg)
		data, err := ocpp.Marshal(reply)
		if err != nil {
			c.log.Error("Failed to serialize reply", zap.Error(err))
			return
		}
		conn.WriteMessage(websocket.TextMessage, data)

	case ocpp.KindCallResult, ocpp.KindCallError:
		c.mu.Lock()
		ch, ok := c.pending[msg.UniqueID]
		if ok {
			delete(c.pending, msg.UniqueID)
		}
		c.mu.Unlock()
		if ok {
			ch <- msg
		} else {
			c.log.Warn("Response with no pending call", zap.String("unique_id", msg.UniqueID))
		}
	}
}

func (c *CSMS) handleRequest(chargePointID string, msg ocpp.Message) ocpp.Message {
	c.log.Info("Request from charge point",
		zap.String("charge_point_id", chargePointID),
		zap.String("action", msg.Action),
	)

	var payload interface{}
	now := time.Now().UTC().Format(time.RFC3339)

	switch msg.Action {
	case ocpp.ActionBootNotification:
		payload = ocpp.BootNotificationConfirmation{
			Status:      ocpp.StatusAccepted,
			CurrentTime: now,
			Interval:    c.heartbeatInterval,
		}
	case ocpp.ActionHeartbeat:
		payload = ocpp.HeartbeatConfirmation{CurrentTime: now}
	case ocpp.ActionAuthorize:
		payload = ocpp.AuthorizeConfirmation{IDTagInfo: ocpp.IDTagInfo{Status: ocpp.StatusAccepted}}
	case ocpp.ActionStartTransaction:
		c.mu.Lock()
		c.nextTxID++
		txID := c.nextTxID
		c.mu.Unlock()
		fmt.Printf("\n[%s] transaction %d started\n> ", chargePointID, txID)
		payload = ocpp.StartTransactionConfirmation{
			IDTagInfo:     ocpp.IDTagInfo{Status: ocpp.StatusAccepted},
			TransactionID: txID,
		}
	case ocpp.ActionStopTransaction:
		var req ocpp.StopTransactionRequest
		json.Unmarshal(msg.Payload, &req)
		fmt.Printf("\n[%s] transaction %d stopped, meter %d Wh, reason %s\n> ",
			chargePointID, req.TransactionID, req.MeterStop, req.Reason)
		payload = ocpp.StopTransactionConfirmation{
			IDTagInfo: &ocpp.IDTagInfo{Status: ocpp.StatusAccepted},
		}
	case ocpp.ActionStatusNotification:
		var req ocpp.StatusNotificationRequest
		json.Unmarshal(msg.Payload, &req)
		fmt.Printf("\n[%s] connector %d -> %s\n> ", chargePointID, req.ConnectorID, req.Status)
		payload = ocpp.StatusNotificationConfirmation{}
	case ocpp.ActionMeterValues:
		payload = ocpp.MeterValuesConfirmation{}
	default:
		return ocpp.Message{
			Kind:             ocpp.KindCallError,
			UniqueID:         msg.UniqueID,
			ErrorCode:        ocpp.ErrNotSupported,
			ErrorDescription: fmt.Sprintf("action %s not supported", msg.Action),
		}
	}

	body, _ := json.Marshal(payload)
	return ocpp.Message{Kind: ocpp.KindCallResult, UniqueID: msg.UniqueID, Payload: body}
}

// sendCall issues one Call toward a charge point and waits for its answer.
func (c *CSMS) sendCall(chargePointID, action string, payload interface{}) (ocpp.Message, error) {
	c.mu.RLock()
	conn, ok := c.clients[chargePointID]
	c.mu.RUnlock()
	if !ok {
		return ocpp.Message{}, fmt.Errorf("charge point %s not connected", chargePointID)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return ocpp.Message{}, err
	}
	id := uuid.NewString()
	frame, err := ocpp.Marshal(ocpp.Message{
		Kind:     ocpp.KindCall,
		UniqueID: id,
		Action:   action,
		Payload:  body,
	})
	if err != nil {
		return ocpp.Message{}, err
	}

	ch := make(chan ocpp.Message, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()

	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return ocpp.Message{}, err
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-time.After(30 * time.Second):
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return ocpp.Message{}, fmt.Errorf("timeout waiting for %s response", action)
	}
}

func (c *CSMS) RunInteractive() {
	scanner := bufio.NewScanner(os.Stdin)
	fmt.Print("> ")

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		parts := strings.Fields(line)
		if len(parts) == 0 {
			fmt.Print("> ")
			continue
		}

		cmd, args := parts[0], parts[1:]
		switch cmd {
		case "list":
			c.mu.RLock()
			for id := range c.clients {
				fmt.Println(" ", id)
			}
			c.mu.RUnlock()

		case "start":
			if len(args) < 2 {
				fmt.Println("Usage: start <cp> <idTag> [connector]")
				break
			}
			req := ocpp.RemoteStartTransactionRequest{IDTag: args[1]}
			if len(args) > 2 {
				if n, err := strconv.Atoi(args[2]); err == nil {
					req.ConnectorID = &n
				}
			}
			c.report(c.sendCall(args[0], ocpp.ActionRemoteStartTransaction, req))

		case "stop":
			if len(args) < 2 {
				fmt.Println("Usage: stop <cp> <txId>")
				break
			}
			txID, _ := strconv.Atoi(args[1])
			c.report(c.sendCall(args[0], ocpp.ActionRemoteStopTransaction,
				ocpp.RemoteStopTransactionRequest{TransactionID: txID}))

		case "reset":
			if len(args) < 2 {
				fmt.Println("Usage: reset <cp> soft|hard")
				break
			}
			resetType := "Soft"
			if args[1] == "hard" {
				resetType = "Hard"
			}
			c.report(c.sendCall(args[0], ocpp.ActionReset, ocpp.ResetRequest{Type: resetType}))

		case "avail":
			if len(args) < 3 {
				fmt.Println("Usage: avail <cp> <connector> op|inop")
				break
			}
			connID, _ := strconv.Atoi(args[1])
			availType := "Operative"
			if args[2] == "inop" {
				availType = "Inoperative"
			}
			c.report(c.sendCall(args[0], ocpp.ActionChangeAvailability,
				ocpp.ChangeAvailabilityRequest{ConnectorID: connID, Type: availType}))

		case "reserve":
			if len(args) < 4 {
				fmt.Println("Usage: reserve <cp> <connector> <idTag> <minutes>")
				break
			}
			connID, _ := strconv.Atoi(args[1])
			minutes, _ := strconv.Atoi(args[3])
			c.report(c.sendCall(args[0], ocpp.ActionReserveNow, ocpp.ReserveNowRequest{
				ConnectorID:   connID,
				IDTag:         args[2],
				ExpiryDate:    time.Now().Add(time.Duration(minutes) * time.Minute).UTC().Format(time.RFC3339),
				ReservationID: int(time.Now().Unix() % 100000),
			}))

		case "cancelres":
			if len(args) < 2 {
				fmt.Println("Usage: cancelres <cp> <reservationId>")
				break
			}
			resID, _ := strconv.Atoi(args[1])
			c.report(c.sendCall(args[0], ocpp.ActionCancelReservation,
				ocpp.CancelReservationRequest{ReservationID: resID}))

		case "unlock":
			if len(args) < 2 {
				fmt.Println("Usage: unlock <cp> <connector>")
				break
			}
			connID, _ := strconv.Atoi(args[1])
			c.report(c.sendCall(args[0], ocpp.ActionUnlockConnector,
				ocpp.UnlockConnectorRequest{ConnectorID: connID}))

		case "trigger":
			if len(args) < 2 {
				fmt.Println("Usage: trigger <cp> <message>")
				break
			}
			c.report(c.sendCall(args[0], ocpp.ActionTriggerMessage,
				ocpp.TriggerMessageRequest{RequestedMessage: args[1]}))

		case "getconf":
			if len(args) < 1 {
				fmt.Println("Usage: getconf <cp>")
				break
			}
			c.report(c.sendCall(args[0], ocpp.ActionGetConfiguration, ocpp.GetConfigurationRequest{}))

		case "setconf":
			if len(args) < 3 {
				fmt.Println("Usage: setconf <cp> <key> <value>")
				break
			}
			c.report(c.sendCall(args[0], ocpp.ActionChangeConfiguration,
				ocpp.ChangeConfigurationRequest{Key: args[1], Value: args[2]}))

		case "quit", "exit":
			fmt.Println("Goodbye!")
			return

		default:
			fmt.Printf("Unknown command: %s\n", cmd)
		}

		fmt.Print("> ")
	}
}

func (c *CSMS) report(resp ocpp.Message, err error) {
	if err != nil {
		fmt.Println("Error:", err)
		return
	}
	if resp.Kind == ocpp.KindCallError {
		fmt.Printf("CallError %s: %s\n", resp.ErrorCode, resp.ErrorDescription)
		return
	}
	fmt.Println("Response:", string(resp.Payload))
}
