package protocol

// FieldType is the wire type of a method argument.
type FieldType uint8

const (
	Octet FieldType = iota + 1
	Short
	Long
	LongLong
	ShortStr
	LongStr
	Bit
	FieldTable
	Timestamp
)

func (t FieldType) String() string {
	switch t {
	case Octet:
		return "octet"
	case Short:
		return "short"
	case Long:
		return "long"
	case LongLong:
		return "longlong"
	case ShortStr:
		return "shortstr"
	case LongStr:
		return "longstr"
	case Bit:
		return "bit"
	case FieldTable:
		return "table"
	case Timestamp:
		return "timestamp"
	default:
		return "unknown"
	}
}

// Field is one declared argument of a method.
type Field struct {
	Name string
	Type FieldType
}

// MethodSpec describes the layout and reply behavior of a method.
type MethodSpec struct {
	ID          MethodID
	Name        string
	Fields      []Field
	Synchronous bool
	Replies     []MethodID
	Content     bool
}

// Method IDs
const (
	ConnectionStart     = MethodID(ClassConnection<<16 | 10)
	ConnectionStartOk   = MethodID(ClassConnection<<16 | 11)
	ConnectionSecure    = MethodID(ClassConnection<<16 | 20)
	ConnectionSecureOk  = MethodID(ClassConnection<<16 | 21)
	ConnectionTune      = MethodID(ClassConnection<<16 | 30)
	ConnectionTuneOk    = MethodID(ClassConnection<<16 | 31)
	ConnectionOpen      = MethodID(ClassConnection<<16 | 40)
	ConnectionOpenOk    = MethodID(ClassConnection<<16 | 41)
	ConnectionClose     = MethodID(ClassConnection<<16 | 50)
	ConnectionCloseOk   = MethodID(ClassConnection<<16 | 51)
	ConnectionBlocked   = MethodID(ClassConnection<<16 | 60)
	ConnectionUnblocked = MethodID(ClassConnection<<16 | 61)

	ChannelOpen    = MethodID(ClassChannel<<16 | 10)
	ChannelOpenOk  = MethodID(ClassChannel<<16 | 11)
	ChannelFlow    = MethodID(ClassChannel<<16 | 20)
	ChannelFlowOk  = MethodID(ClassChannel<<16 | 21)
	ChannelClose   = MethodID(ClassChannel<<16 | 40)
	ChannelCloseOk = MethodID(ClassChannel<<16 | 41)

	ExchangeDeclare   = MethodID(ClassExchange<<16 | 10)
	ExchangeDeclareOk = MethodID(ClassExchange<<16 | 11)
	ExchangeDelete    = MethodID(ClassExchange<<16 | 20)
	ExchangeDeleteOk  = MethodID(ClassExchange<<16 | 21)
	ExchangeBind      = MethodID(ClassExchange<<16 | 30)
	ExchangeBindOk    = MethodID(ClassExchange<<16 | 31)
	ExchangeUnbind    = MethodID(ClassExchange<<16 | 40)
	ExchangeUnbindOk  = MethodID(ClassExchange<<16 | 51)

	QueueDeclare   = MethodID(ClassQueue<<16 | 10)
	QueueDeclareOk = MethodID(ClassQueue<<16 | 11)
	QueueBind      = MethodID(ClassQueue<<16 | 20)
	QueueBindOk    = MethodID(ClassQueue<<16 | 21)
	QueuePurge     = MethodID(ClassQueue<<16 | 30)
	QueuePurgeOk   = MethodID(ClassQueue<<16 | 31)
	QueueDelete    = MethodID(ClassQueue<<16 | 40)
	QueueDeleteOk  = MethodID(ClassQueue<<16 | 41)
	QueueUnbind    = MethodID(ClassQueue<<16 | 50)
	QueueUnbindOk  = MethodID(ClassQueue<<16 | 51)

	BasicQos          = MethodID(ClassBasic<<16 | 10)
	BasicQosOk        = MethodID(ClassBasic<<16 | 11)
	BasicConsume      = MethodID(ClassBasic<<16 | 20)
	BasicConsumeOk    = MethodID(ClassBasic<<16 | 21)
	BasicCancel       = MethodID(ClassBasic<<16 | 30)
	BasicCancelOk     = MethodID(ClassBasic<<16 | 31)
	BasicPublish      = MethodID(ClassBasic<<16 | 40)
	BasicReturn       = MethodID(ClassBasic<<16 | 50)
	BasicDeliver      = MethodID(ClassBasic<<16 | 60)
	BasicGet          = MethodID(ClassBasic<<16 | 70)
	BasicGetOk        = MethodID(ClassBasic<<16 | 71)
	BasicGetEmpty     = MethodID(ClassBasic<<16 | 72)
	BasicAck          = MethodID(ClassBasic<<16 | 80)
	BasicReject       = MethodID(ClassBasic<<16 | 90)
	BasicRecoverAsync = MethodID(ClassBasic<<16 | 100)
	BasicRecover      = MethodID(ClassBasic<<16 | 110)
	BasicRecoverOk    = MethodID(ClassBasic<<16 | 111)
	BasicNack         = MethodID(ClassBasic<<16 | 120)

	ConfirmSelect   = MethodID(ClassConfirm<<16 | 10)
	ConfirmSelectOk = MethodID(ClassConfirm<<16 | 11)

	TxSelect     = MethodID(ClassTx<<16 | 10)
	TxSelectOk   = MethodID(ClassTx<<16 | 11)
	TxCommit     = MethodID(ClassTx<<16 | 20)
	TxCommitOk   = MethodID(ClassTx<<16 | 21)
	TxRollback   = MethodID(ClassTx<<16 | 30)
	TxRollbackOk = MethodID(ClassTx<<16 | 31)
)

var closeFields = []Field{
	{"reply-code", Short},
	{"reply-text", ShortStr},
	{"class-id", Short},
	{"method-id", Short},
}

var methodTable = buildMethodTable([]*MethodSpec{
	{ID: ConnectionStart, Name: "Connection.Start", Replies: []MethodID{ConnectionStartOk}, Fields: []Field{
		{"version-major", Octet},
		{"version-minor", Octet},
		{"server-properties", FieldTable},
		{"mechanisms", LongStr},
		{"locales", LongStr},
	}},
	{ID: ConnectionStartOk, Name: "Connection.StartOk", Fields: []Field{
		{"client-properties", FieldTable},
		{"mechanism", ShortStr},
		{"response", LongStr},
		{"locale", ShortStr},
	}},
	{ID: ConnectionSecure, Name: "Connection.Secure", Replies: []MethodID{ConnectionSecureOk}, Fields: []Field{
		{"challenge", LongStr},
	}},
	{ID: ConnectionSecureOk, Name: "Connection.SecureOk", Fields: []Field{
		{"response", LongStr},
	}},
	{ID: ConnectionTune, Name: "Connection.Tune", Replies: []MethodID{ConnectionTuneOk}, Fields: []Field{
		{"channel-max", Short},
		{"frame-max", Long},
		{"heartbeat", Short},
	}},
	{ID: ConnectionTuneOk, Name: "Connection.TuneOk", Fields: []Field{
		{"channel-max", Short},
		{"frame-max", Long},
		{"heartbeat", Short},
	}},
	{ID: ConnectionOpen, Name: "Connection.Open", Replies: []MethodID{ConnectionOpenOk}, Fields: []Field{
		{"virtual-host", ShortStr},
		{"capabilities", ShortStr},
		{"insist", Bit},
	}},
	{ID: ConnectionOpenOk, Name: "Connection.OpenOk", Fields: []Field{
		{"known-hosts", ShortStr},
	}},
	{ID: ConnectionClose, Name: "Connection.Close", Replies: []MethodID{ConnectionCloseOk}, Fields: closeFields},
	{ID: ConnectionCloseOk, Name: "Connection.CloseOk"},
	{ID: ConnectionBlocked, Name: "Connection.Blocked", Fields: []Field{
		{"reason", ShortStr},
	}},
	{ID: ConnectionUnblocked, Name: "Connection.Unblocked"},

	{ID: ChannelOpen, Name: "Channel.Open", Replies: []MethodID{ChannelOpenOk}, Fields: []Field{
		{"out-of-band", ShortStr},
	}},
	{ID: ChannelOpenOk, Name: "Channel.OpenOk", Fields: []Field{
		{"channel-id", LongStr},
	}},
	{ID: ChannelFlow, Name: "Channel.Flow", Replies: []MethodID{ChannelFlowOk}, Fields: []Field{
		{"active", Bit},
	}},
	{ID: ChannelFlowOk, Name: "Channel.FlowOk", Fields: []Field{
		{"active", Bit},
	}},
	{ID: ChannelClose, Name: "Channel.Close", Replies: []MethodID{ChannelCloseOk}, Fields: closeFields},
	{ID: ChannelCloseOk, Name: "Channel.CloseOk"},

	{ID: ExchangeDeclare, Name: "Exchange.Declare", Replies: []MethodID{ExchangeDeclareOk}, Fields: []Field{
		{"ticket", Short},
		{"exchange", ShortStr},
		{"type", ShortStr},
		{"passive", Bit},
		{"durable", Bit},
		{"auto-delete", Bit},
		{"internal", Bit},
		{"nowait", Bit},
		{"arguments", FieldTable},
	}},
	{ID: ExchangeDeclareOk, Name: "Exchange.DeclareOk"},
	{ID: ExchangeDelete, Name: "Exchange.Delete", Replies: []MethodID{ExchangeDeleteOk}, Fields: []Field{
		{"ticket", Short},
		{"exchange", ShortStr},
		{"if-unused", Bit},
		{"nowait", Bit},
	}},
	{ID: ExchangeDeleteOk, Name: "Exchange.DeleteOk"},
	{ID: ExchangeBind, Name: "Exchange.Bind", Replies: []MethodID{ExchangeBindOk}, Fields: exchangeBindFields()},
	{ID: ExchangeBindOk, Name: "Exchange.BindOk"},
	{ID: ExchangeUnbind, Name: "Exchange.Unbind", Replies: []MethodID{ExchangeUnbindOk}, Fields: exchangeBindFields()},
	{ID: ExchangeUnbindOk, Name: "Exchange.UnbindOk"},

	{ID: QueueDeclare, Name: "Queue.Declare", Replies: []MethodID{QueueDeclareOk}, Fields: []Field{
		{"ticket", Short},
		{"queue", ShortStr},
		{"passive", Bit},
		{"durable", Bit},
		{"exclusive", Bit},
		{"auto-delete", Bit},
		{"nowait", Bit},
		{"arguments", FieldTable},
	}},
	{ID: QueueDeclareOk, Name: "Queue.DeclareOk", Fields: []Field{
		{"queue", ShortStr},
		{"message-count", Long},
		{"consumer-count", Long},
	}},
	{ID: QueueBind, Name: "Queue.Bind", Replies: []MethodID{QueueBindOk}, Fields: []Field{
		{"ticket", Short},
		{"queue", ShortStr},
		{"exchange", ShortStr},
		{"routing-key", ShortStr},
		{"nowait", Bit},
		{"arguments", FieldTable},
	}},
	{ID: QueueBindOk, Name: "Queue.BindOk"},
	{ID: QueuePurge, Name: "Queue.Purge", Replies: []MethodID{QueuePurgeOk}, Fields: []Field{
		{"ticket", Short},
		{"queue", ShortStr},
		{"nowait", Bit},
	}},
	{ID: QueuePurgeOk, Name: "Queue.PurgeOk", Fields: []Field{
		{"message-count", Long},
	}},
	{ID: QueueDelete, Name: "Queue.Delete", Replies: []MethodID{QueueDeleteOk}, Fields: []Field{
		{"ticket", Short},
		{"queue", ShortStr},
		{"if-unused", Bit},
		{"if-empty", Bit},
		{"nowait", Bit},
	}},
	{ID: QueueDeleteOk, Name: "Queue.DeleteOk", Fields: []Field{
		{"message-count", Long},
	}},
	{ID: QueueUnbind, Name: "Queue.Unbind", Replies: []MethodID{QueueUnbindOk}, Fields: []Field{
		{"ticket", Short},
		{"queue", ShortStr},
		{"exchange", ShortStr},
		{"routing-key", ShortStr},
		{"arguments", FieldTable},
	}},
	{ID: QueueUnbindOk, Name: "Queue.UnbindOk"},

	{ID: BasicQos, Name: "Basic.Qos", Replies: []MethodID{BasicQosOk}, Fields: []Field{
		{"prefetch-size", Long},
		{"prefetch-count", Short},
		{"global", Bit},
	}},
	{ID: BasicQosOk, Name: "Basic.QosOk"},
	{ID: BasicConsume, Name: "Basic.Consume", Replies: []MethodID{BasicConsumeOk}, Fields: []Field{
		{"ticket", Short},
		{"queue", ShortStr},
		{"consumer-tag", ShortStr},
		{"no-local", Bit},
		{"no-ack", Bit},
		{"exclusive", Bit},
		{"nowait", Bit},
		{"arguments", FieldTable},
	}},
	{ID: BasicConsumeOk, Name: "Basic.ConsumeOk", Fields: []Field{
		{"consumer-tag", ShortStr},
	}},
	{ID: BasicCancel, Name: "Basic.Cancel", Replies: []MethodID{BasicCancelOk}, Fields: []Field{
		{"consumer-tag", ShortStr},
		{"nowait", Bit},
	}},
	{ID: BasicCancelOk, Name: "Basic.CancelOk", Fields: []Field{
		{"consumer-tag", ShortStr},
	}},
	{ID: BasicPublish, Name: "Basic.Publish", Content: true, Fields: []Field{
		{"ticket", Short},
		{"exchange", ShortStr},
		{"routing-key", ShortStr},
		{"mandatory", Bit},
		{"immediate", Bit},
	}},
	{ID: BasicReturn, Name: "Basic.Return", Content: true, Fields: []Field{
		{"reply-code", Short},
		{"reply-text", ShortStr},
		{"exchange", ShortStr},
		{"routing-key", ShortStr},
	}},
	{ID: BasicDeliver, Name: "Basic.Deliver", Content: true, Fields: []Field{
		{"consumer-tag", ShortStr},
		{"delivery-tag", LongLong},
		{"redelivered", Bit},
		{"exchange", ShortStr},
		{"routing-key", ShortStr},
	}},
	{ID: BasicGet, Name: "Basic.Get", Replies: []MethodID{BasicGetOk, BasicGetEmpty}, Fields: []Field{
		{"ticket", Short},
		{"queue", ShortStr},
		{"no-ack", Bit},
	}},
	{ID: BasicGetOk, Name: "Basic.GetOk", Content: true, Fields: []Field{
		{"delivery-tag", LongLong},
		{"redelivered", Bit},
		{"exchange", ShortStr},
		{"routing-key", ShortStr},
		{"message-count", Long},
	}},
	{ID: BasicGetEmpty, Name: "Basic.GetEmpty", Fields: []Field{
		{"cluster-id", ShortStr},
	}},
	{ID: BasicAck, Name: "Basic.Ack", Fields: []Field{
		{"delivery-tag", LongLong},
		{"multiple", Bit},
	}},
	{ID: BasicReject, Name: "Basic.Reject", Fields: []Field{
		{"delivery-tag", LongLong},
		{"requeue", Bit},
	}},
	{ID: BasicRecoverAsync, Name: "Basic.RecoverAsync", Fields: []Field{
		{"requeue", Bit},
	}},
	{ID: BasicRecover, Name: "Basic.Recover", Replies: []MethodID{BasicRecoverOk}, Fields: []Field{
		{"requeue", Bit},
	}},
	{ID: BasicRecoverOk, Name: "Basic.RecoverOk"},
	{ID: BasicNack, Name: "Basic.Nack", Fields: []Field{
		{"delivery-tag", LongLong},
		{"multiple", Bit},
		{"requeue", Bit},
	}},

	{ID: ConfirmSelect, Name: "Confirm.Select", Replies: []MethodID{ConfirmSelectOk}, Fields: []Field{
		{"nowait", Bit},
	}},
	{ID: ConfirmSelectOk, Name: "Confirm.SelectOk"},

	{ID: TxSelect, Name: "Tx.Select", Replies: []MethodID{TxSelectOk}},
	{ID: TxSelectOk, Name: "Tx.SelectOk"},
	{ID: TxCommit, Name: "Tx.Commit", Replies: []MethodID{TxCommitOk}},
	{ID: TxCommitOk, Name: "Tx.CommitOk"},
	{ID: TxRollback, Name: "Tx.Rollback", Replies: []MethodID{TxRollbackOk}},
	{ID: TxRollbackOk, Name: "Tx.RollbackOk"},
})

func exchangeBindFields() []Field {
	return []Field{
		{"ticket", Short},
		{"destination", ShortStr},
		{"source", ShortStr},
		{"routing-key", ShortStr},
		{"nowait", Bit},
		{"arguments", FieldTable},
	}
}

func buildMethodTable(specs []*MethodSpec) map[MethodID]*MethodSpec {
	table := make(map[MethodID]*MethodSpec, len(specs))
	for _, spec := range specs {
		spec.Synchronous = len(spec.Replies) > 0
		table[spec.ID] = spec
	}
	return table
}

// Lookup returns the layout of a method.
func Lookup(id MethodID) (*MethodSpec, bool) {
	spec, ok := methodTable[id]
	return spec, ok
}

// HasContent reports whether a method is followed by a header and body frames.
func HasContent(id MethodID) bool {
	spec, ok := methodTable[id]
	return ok && spec.Content
}

// HasField reports whether the method declares the named argument.
func (s *MethodSpec) HasField(name string) bool {
	for _, f := range s.Fields {
		if f.Name == name {
			return true
		}
	}
	return false
}
