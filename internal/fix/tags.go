package fix

// Field tags
const (
	TagAccount          = 1
	TagAvgPx            = 6
	TagBeginSeqNo       = 7
	TagBeginString      = 8
	TagBodyLength       = 9
	TagCheckSum         = 10
	TagClOrdID          = 11
	TagCumQty           = 14
	TagEndSeqNo         = 16
	TagExecID           = 17
	TagLastPx           = 31
	TagLastQty          = 32
	TagMsgSeqNum        = 34
	TagMsgType          = 35
	TagNewSeqNo         = 36
	TagOrderID          = 37
	TagOrderQty         = 38
	TagOrdStatus        = 39
	TagOrdType          = 40
	TagOrigClOrdID      = 41
	TagPossDupFlag      = 43
	TagPrice            = 44
	TagRefSeqNum        = 45
	TagSenderCompID     = 49
	TagSendingTime      = 52
	TagSide             = 54
	TagSymbol           = 55
	TagTargetCompID     = 56
	TagText             = 58
	TagTimeInForce      = 59
	TagTransactTime     = 60
	TagEncryptMethod    = 98
	TagCxlRejReason     = 102
	TagOrdRejReason     = 103
	TagHeartBtInt       = 108
	TagTestReqID        = 112
	TagGapFillFlag      = 123
	TagResetSeqNumFlag  = 141
	TagExecType         = 150
	TagLeavesQty        = 151
	TagSessionRejReason = 373
	TagCxlRejResponseTo = 434
	TagPartyID          = 448
	TagPartyRole        = 452
	TagNoPartyIDs       = 453
)

// Message types
const (
	MsgTypeHeartbeat         = "0"
	MsgTypeTestRequest       = "1"
	MsgTypeResendRequest     = "2"
	MsgTypeReject            = "3"
	MsgTypeSequenceReset     = "4"
	MsgTypeLogout            = "5"
	MsgTypeExecutionReport   = "8"
	MsgTypeOrderCancelReject = "9"
	MsgTypeLogon             = "A"
	MsgTypeNewOrderSingle    = "D"
	MsgTypeOrderCancel       = "F"
	MsgTypeOrderReplace      = "G"
)

// IsAdmin reports whether msgType is a session-level message
func IsAdmin(msgType string) bool {
	switch msgType {
	case MsgTypeHeartbeat, MsgTypeTestRequest, MsgTypeResendRequest, MsgTypeReject,
		MsgTypeSequenceReset, MsgTypeLogout, MsgTypeLogon:
		return true
	}
	return false
}

// Side values
const (
	SideBuy  = "1"
	SideSell = "2"
)

// OrdType values
const (
	OrdTypeMarket = "1"
	OrdTypeLimit  = "2"
)

// TimeInForce values
const (
	TimeInForceDay = "0"
	TimeInForceGTC = "1"
	TimeInForceIOC = "3"
	TimeInForceFOK = "4"
)

// ExecType values
const (
	ExecTypeNew            = "0"
	ExecTypePartialFill    = "1"
	ExecTypeFill           = "2"
	ExecTypeDoneForDay     = "3"
	ExecTypeCanceled       = "4"
	ExecTypeReplaced       = "5"
	ExecTypePendingCancel  = "6"
	ExecTypeStopped        = "7"
	ExecTypeRejected       = "8"
	ExecTypeSuspended      = "9"
	ExecTypePendingNew     = "A"
	ExecTypeCalculated     = "B"
	ExecTypeExpired        = "C"
	ExecTypeRestated       = "D"
	ExecTypePendingReplace = "E"
	ExecTypeTrade          = "F"
	ExecTypeOrderStatus    = "I"
)

// OrdStatus values
const (
	OrdStatusNew                = "0"
	OrdStatusPartiallyFilled    = "1"
	OrdStatusFilled             = "2"
	OrdStatusDoneForDay         = "3"
	OrdStatusCanceled           = "4"
	OrdStatusReplaced           = "5"
	OrdStatusPendingCancel      = "6"
	OrdStatusStopped            = "7"
	OrdStatusRejected           = "8"
	OrdStatusSuspended          = "9"
	OrdStatusPendingNew         = "A"
	OrdStatusCalculated         = "B"
	OrdStatusExpired            = "C"
	OrdStatusAcceptedForBidding = "D"
	OrdStatusPendingReplace     = "E"
)

// PartyRoleCustomerAccount identifies the end customer in a parties group
const PartyRoleCustomerAccount = "24"

// CxlRejResponseTo values
const (
	CxlRejResponseToCancel  = "1"
	CxlRejResponseToReplace = "2"
)
