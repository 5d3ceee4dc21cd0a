// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package rdm

import (
	"fmt"
	"strings"
)

// FormatPacket formats a packet into a human-readable string
func FormatPacket(p *Packet) string {
	timestamp := p.Timestamp().Format("15:04:05.000")

	if p.IsDiscResponse() {
		valid := "ok"
		if !p.ChecksumValid() {
			valid = "COLLISION"
		}
		return fmt.Sprintf("[%s] DISC_RESPONSE uid=%s checksum=%s\n", timestamp, p.UID(), valid)
	}

	h := p.Header()
	result := fmt.Sprintf("[%s] %s %s (0x%04X) %s -> %s tn=%d pdl=%d\n",
		timestamp, FormatCC(h.CC), FormatPID(h.PID), uint16(h.PID),
		h.SrcUID, h.DestUID, h.TN, h.PDL)

	if h.CC.IsResponse() {
		result += fmt.Sprintf("  Response: %s", FormatResponseType(h.ResponseType()))
		if h.ResponseType() == ResponseTypeNackReason && len(p.pd) == 2 {
			nr, _ := UnmarshalNackReason(p.pd)
			result += fmt.Sprintf(" (%s)", FormatNackReason(nr))
		}
		if h.MessageCount > 0 {
			result += fmt.Sprintf(", %d queued", h.MessageCount)
		}
		result += "\n"
	}

	if len(p.pd) > 0 {
		result += formatPD(h, p.pd)
	}

	return result
}

// FormatCC returns the human-readable name for a command class
func FormatCC(cc CC) string {
	switch cc {
	case CCDiscCommand:
		return "DISC"
	case CCDiscResponse:
		return "DISC_RESPONSE"
	case CCGetCommand:
		return "GET"
	case CCGetResponse:
		return "GET_RESPONSE"
	case CCSetCommand:
		return "SET"
	case CCSetResponse:
		return "SET_RESPONSE"
	default:
		return "UNKNOWN_CC"
	}
}

// FormatResponseType returns the human-readable name for a response type
func FormatResponseType(rt ResponseType) string {
	switch rt {
	case ResponseTypeAck:
		return "ACK"
	case ResponseTypeAckTimer:
		return "ACK_TIMER"
	case ResponseTypeNackReason:
		return "NACK_REASON"
	case ResponseTypeAckOverflow:
		return "ACK_OVERFLOW"
	default:
		return "UNKNOWN"
	}
}

// FormatNackReason returns the human-readable name for a NACK reason
func FormatNackReason(nr NackReason) string {
	switch nr {
	case NRUnknownPID:
		return "UNKNOWN_PID"
	case NRFormatError:
		return "FORMAT_ERROR"
	case NRHardwareFault:
		return "HARDWARE_FAULT"
	case NRProxyReject:
		return "PROXY_REJECT"
	case NRWriteProtect:
		return "WRITE_PROTECT"
	case NRUnsupportedCommandClass:
		return "UNSUPPORTED_COMMAND_CLASS"
	case NRDataOutOfRange:
		return "DATA_OUT_OF_RANGE"
	case NRBufferFull:
		return "BUFFER_FULL"
	case NRPacketSizeUnsupported:
		return "PACKET_SIZE_UNSUPPORTED"
	case NRSubDeviceOutOfRange:
		return "SUB_DEVICE_OUT_OF_RANGE"
	case NRProxyBufferFull:
		return "PROXY_BUFFER_FULL"
	default:
		return fmt.Sprintf("NR_0x%04X", uint16(nr))
	}
}

// FormatPID returns the human-readable name for a parameter ID
func FormatPID(pid PID) string {
	switch pid {
	case PIDDiscUniqueBranch:
		return "DISC_UNIQUE_BRANCH"
	case PIDDiscMute:
		return "DISC_MUTE"
	case PIDDiscUnMute:
		return "DISC_UN_MUTE"
	case PIDProxiedDevices:
		return "PROXIED_DEVICES"
	case PIDProxiedDevCount:
		return "PROXIED_DEVICE_COUNT"
	case PIDCommsStatus:
		return "COMMS_STATUS"
	case PIDQueuedMessage:
		return "QUEUED_MESSAGE"
	case PIDStatusMessages:
		return "STATUS_MESSAGES"
	case PIDSupportedParameters:
		return "SUPPORTED_PARAMETERS"
	case PIDParameterDescription:
		return "PARAMETER_DESCRIPTION"
	case PIDDeviceInfo:
		return "DEVICE_INFO"
	case PIDDeviceModelDesc:
		return "DEVICE_MODEL_DESCRIPTION"
	case PIDManufacturerLabel:
		return "MANUFACTURER_LABEL"
	case PIDDeviceLabel:
		return "DEVICE_LABEL"
	case PIDSoftwareVersionLabel:
		return "SOFTWARE_VERSION_LABEL"
	case PIDDMXPersonality:
		return "DMX_PERSONALITY"
	case PIDDMXPersonalityDesc:
		return "DMX_PERSONALITY_DESCRIPTION"
	case PIDDMXStartAddress:
		return "DMX_START_ADDRESS"
	case PIDIdentifyDevice:
		return "IDENTIFY_DEVICE"
	case PIDResetDevice:
		return "RESET_DEVICE"
	default:
		return fmt.Sprintf("PID_0x%04X", uint16(pid))
	}
}

// formatPD decodes well-known parameter data, hex-dumping the rest
func formatPD(h *Header, pd []byte) string {
	switch {
	case h.PID == PIDDeviceInfo && h.CC == CCGetResponse:
		if info, err := UnmarshalDeviceInfo(pd); err == nil {
			return fmt.Sprintf("  Model: 0x%04X, Footprint: %d, Personality: %d/%d, Address: %d\n",
				info.ModelID, info.Footprint, info.CurrentPersonality,
				info.PersonalityCount, info.StartAddress)
		}
	case h.PID == PIDDiscUniqueBranch && h.CC == CCDiscCommand:
		if branch, err := UnmarshalDiscUniqueBranch(pd); err == nil {
			return fmt.Sprintf("  Branch: %s .. %s\n", branch.LowerBound, branch.UpperBound)
		}
	case h.PID == PIDDMXStartAddress:
		if addr, err := UnmarshalStartAddress(pd); err == nil {
			return fmt.Sprintf("  Start address: %d\n", addr)
		}
	case h.PID == PIDSoftwareVersionLabel || h.PID == PIDDeviceLabel ||
		h.PID == PIDManufacturerLabel || h.PID == PIDDeviceModelDesc:
		return fmt.Sprintf("  %q\n", strings.TrimRight(string(pd), "\x00"))
	}

	var sb strings.Builder
	sb.WriteString("  PD: ")
	for i, b := range pd {
		if i > 0 && i%16 == 0 {
			sb.WriteString("\n      ")
		}
		fmt.Fprintf(&sb, "%02X ", b)
	}
	sb.WriteString("\n")
	return sb.String()
}
