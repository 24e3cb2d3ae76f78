package engine

import (
	"encoding/hex"
	"encoding/json"
	"log"
	"time"

	"github.com/jaydenbeard/lattice-sim/internal/device"
	"github.com/jaydenbeard/lattice-sim/internal/models"
)

// uichannel.Sink implementation: UI-originated commands and events.

// ChannelOpened pushes the current device snapshot when a UI attaches.
func (e *Engine) ChannelOpened(deviceID string) {
	e.registry.GetOrCreate(deviceID)
	e.broadcastDeviceState(deviceID)
}

// HandleCommand applies one imperative UI control.
func (e *Engine) HandleCommand(deviceID string, cmd *models.DeviceCommand) {
	dev := e.registry.GetOrCreate(deviceID)

	switch cmd.Command {
	case models.CommandEnterPairingMode:
		if _, err := e.pairing.Enter(deviceID); err != nil {
			log.Printf("[Engine] enter_pairing_mode failed: device=%s err=%v", deviceID, err)
		}

	case models.CommandExitPairingMode:
		e.pairing.Exit(deviceID)

	case models.CommandSetLocked:
		var data models.SetLockedData
		if err := json.Unmarshal(cmd.Data, &data); err != nil {
			log.Printf("[Engine] Bad set_locked: device=%s err=%v", deviceID, err)
			return
		}
		dev.SetLocked(data.Locked)
		e.broadcastDeviceState(deviceID)

	case models.CommandResetDevice:
		var data models.ResetDeviceData
		if err := json.Unmarshal(cmd.Data, &data); err != nil {
			log.Printf("[Engine] Bad reset_device: device=%s err=%v", deviceID, err)
			return
		}
		e.resetDevice(deviceID, data.ResetType)

	case models.CommandUpdateConfig:
		var data models.UpdateConfigData
		if err := json.Unmarshal(cmd.Data, &data); err != nil {
			log.Printf("[Engine] Bad update_config: device=%s err=%v", deviceID, err)
			return
		}
		if data.PairingWindowMs > 0 {
			e.pairing.SetTimeout(time.Duration(data.PairingWindowMs) * time.Millisecond)
		}
		if data.SigningTimeoutMs > 0 {
			e.approvals.SetTimeout(time.Duration(data.SigningTimeoutMs) * time.Millisecond)
		}
		if data.UITimeoutMs > 0 {
			e.hub.Correlator().SetTimeout(time.Duration(data.UITimeoutMs) * time.Millisecond)
		}

	case models.CommandSyncClientState:
		var state models.SyncClientState
		if err := json.Unmarshal(cmd.Data, &state); err != nil {
			log.Printf("[Engine] Bad sync_client_state: device=%s err=%v", deviceID, err)
			return
		}
		e.restoreClientState(dev, &state)
		e.broadcastDeviceState(deviceID)

	case models.CommandSetActiveSafeCard:
		var sc models.SafeCardJSON
		if err := json.Unmarshal(cmd.Data, &sc); err != nil {
			log.Printf("[Engine] Bad set_active_safecard: device=%s err=%v", deviceID, err)
			return
		}
		dev.SetActiveSafeCard(safeCardFromJSON(&sc))
		e.broadcastDeviceState(deviceID)

	case models.CommandSetActiveWallet:
		var wallets models.ActiveWalletsJSON
		if err := json.Unmarshal(cmd.Data, &wallets); err != nil {
			log.Printf("[Engine] Bad set_active_wallet: device=%s err=%v", deviceID, err)
			return
		}
		internal, external := dev.Wallets()
		if wallets.Internal != nil {
			internal = walletFromJSON(wallets.Internal, false)
		}
		if wallets.External != nil {
			external = walletFromJSON(wallets.External, true)
		}
		dev.SetWallets(internal, external)

	case models.CommandSyncWalletAccounts:
		var data models.SyncWalletAccountsData
		if err := json.Unmarshal(cmd.Data, &data); err != nil {
			log.Printf("[Engine] Bad sync_wallet_accounts: device=%s err=%v", deviceID, err)
			return
		}
		dev.SetAccounts(data.SafeCardID, data.Accounts)

	case models.CommandDeriveAddresses:
		var data models.DeriveAddressesData
		if err := json.Unmarshal(cmd.Data, &data); err != nil {
			log.Printf("[Engine] Bad derive_addresses: device=%s err=%v", deviceID, err)
			return
		}
		// Round-trip through the UI's own wallet service, then echo the
		// result back as a broadcast.
		go func() {
			resp, err := e.hub.Request(deviceID, models.RequestWalletAddresses, models.AddressesRequestPayload{
				StartPath: data.StartPath,
				Count:     data.Count,
				CoinType:  data.CoinType,
			}, 0)
			if err != nil {
				log.Printf("[Engine] derive_addresses round-trip failed: device=%s err=%v", deviceID, err)
				return
			}
			e.hub.Broadcast(deviceID, "derived_addresses", resp.Data)
		}()

	case models.CommandApproveSigningReq:
		var data models.SigningDecisionData
		if err := json.Unmarshal(cmd.Data, &data); err != nil {
			log.Printf("[Engine] Bad approve_signing_request: device=%s err=%v", deviceID, err)
			return
		}
		sig, err := hex.DecodeString(data.Signature)
		if err != nil {
			log.Printf("[Engine] Bad signature hex: device=%s err=%v", deviceID, err)
			return
		}
		if !e.approvals.Approve(data.RequestID, sig, data.Recovery) {
			log.Printf("[Engine] approve for unknown request: device=%s id=%s", deviceID, data.RequestID)
		}

	case models.CommandRejectSigningReq:
		var data models.SigningDecisionData
		if err := json.Unmarshal(cmd.Data, &data); err != nil {
			log.Printf("[Engine] Bad reject_signing_request: device=%s err=%v", deviceID, err)
			return
		}
		if !e.approvals.Reject(data.RequestID) {
			log.Printf("[Engine] reject for unknown request: device=%s id=%s", deviceID, data.RequestID)
		}

	case models.CommandConnectionChanged:
		e.hub.Broadcast(deviceID, models.EventConnectionChanged, cmd.Data)

	case models.CommandPairingChanged:
		var data models.PairingChangedData
		if err := json.Unmarshal(cmd.Data, &data); err != nil {
			log.Printf("[Engine] Bad pairing_changed: device=%s err=%v", deviceID, err)
			return
		}
		if !data.Paired {
			// UI-driven unpair clears the bit on every session for the
			// device; a client must run the ceremony again.
			for _, s := range e.sessions.ForDevice(deviceID) {
				e.pairing.Unpair(s)
			}
		}

	default:
		log.Printf("[Engine] Unknown device_command %q: device=%s", cmd.Command, deviceID)
	}
}

// HandleEvent ingests out-of-band UI notifications. Most event types are
// informational mirrors of commands; unknown ones are logged and dropped
// so the UI schema can evolve.
func (e *Engine) HandleEvent(deviceID string, ev *models.DeviceEvent) {
	switch ev.EventType {
	case models.EventConnectionChanged, models.EventPairingChanged:
		e.hub.Broadcast(deviceID, ev.EventType, ev.Data)
	default:
		log.Printf("[Engine] device_event %q: device=%s", ev.EventType, deviceID)
	}
}

// resetDevice implements reset_device.
func (e *Engine) resetDevice(deviceID, resetType string) {
	switch resetType {
	case "connection":
		e.CloseTransport(deviceID)
	case "full":
		e.CloseTransport(deviceID)
		e.pairing.Exit(deviceID)
		e.registry.Reset(deviceID)
		e.broadcastDeviceState(deviceID)
	default:
		log.Printf("[Engine] Unknown resetType %q: device=%s", resetType, deviceID)
	}
}

// restoreClientState overwrites device-scoped fields from the UI's
// persisted state. Session pairing bits are never touched here.
func (e *Engine) restoreClientState(dev *device.Device, state *models.SyncClientState) {
	if state.DeviceInfo != nil {
		fw := state.DeviceInfo.FirmwareVersion
		dev.SetFirmware(device.FirmwareVersion{Major: fw[2], Minor: fw[1], Patch: fw[0]})
		dev.SetLocked(state.DeviceInfo.IsLocked)
	}
	if state.ActiveWallets != nil {
		internal, external := dev.Wallets()
		if state.ActiveWallets.Internal != nil {
			internal = walletFromJSON(state.ActiveWallets.Internal, false)
		}
		if state.ActiveWallets.External != nil {
			external = walletFromJSON(state.ActiveWallets.External, true)
		}
		dev.SetWallets(internal, external)
	}
	if state.KvRecords != nil {
		recs := make([]device.KvEntry, 0, len(state.KvRecords))
		for _, r := range state.KvRecords {
			recs = append(recs, device.KvEntry{ID: r.ID, Key: r.Key, Value: r.Value})
		}
		dev.Kv().Replace(recs)
	}
	if state.ActiveSafeCardID != "" {
		for i := range state.SafeCards {
			if state.SafeCards[i].ID == state.ActiveSafeCardID {
				dev.SetActiveSafeCard(safeCardFromJSON(&state.SafeCards[i]))
				break
			}
		}
	}
	log.Printf("[Engine] Client state restored: device=%s kv=%d safecards=%d",
		dev.ID, len(state.KvRecords), len(state.SafeCards))
}

func walletFromJSON(w *models.WalletJSON, external bool) device.Wallet {
	out := device.Wallet{
		External:     external || w.External,
		Name:         []byte(w.Name),
		Capabilities: w.Capabilities,
	}
	if uid, err := hex.DecodeString(w.UID); err == nil {
		copy(out.UID[:], uid)
	}
	return out
}

func safeCardFromJSON(sc *models.SafeCardJSON) *device.SafeCard {
	out := &device.SafeCard{ID: sc.ID, Name: sc.Name, Mnemonic: sc.Mnemonic}
	if uid, err := hex.DecodeString(sc.UID); err == nil {
		copy(out.UID[:], uid)
	}
	return out
}
