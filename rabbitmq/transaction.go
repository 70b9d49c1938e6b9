package rabbitmq

import (
	"github.com/israelio/rabbit-engine/internal/protocol"
)

// TxSelect puts the channel in transactional mode
func (ch *Channel) TxSelect(onOk func()) error {
	return ch.call(protocol.TxSelect, nil, nil, okFunc(onOk))
}

// TxCommit commits the current transaction
func (ch *Channel) TxCommit(onOk func()) error {
	return ch.call(protocol.TxCommit, nil, nil, okFunc(onOk))
}

// TxRollback abandons the current transaction
func (ch *Channel) TxRollback(onOk func()) error {
	return ch.call(protocol.TxRollback, nil, nil, okFunc(onOk))
}
