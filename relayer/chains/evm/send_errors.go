package evm

import (
	"strings"

	relayerrors "github.com/pushchain/bridge-relayer/relayer/errors"
)

// tx pool answers meaning the signed transaction is already accepted
var knownTxMessages = []string{
	"already known",
	"known transaction",
}

// answers that resending the same call can never fix
var fatalSendMessages = []string{
	"execution reverted",
	"invalid opcode",
	"invalid sender",
	"intrinsic gas too low",
	"exceeds block gas limit",
	"gas required exceeds allowance",
	"tx type not supported",
	"invalid chain id",
}

// sendErrorClassifier maps node answers to relay error codes
type sendErrorClassifier struct {
	chain           string
	alreadyExecuted []string
}

func newSendErrorClassifier(chain string, alreadyExecuted []string) sendErrorClassifier {
	reasons := make([]string, 0, len(alreadyExecuted))
	for _, r := range alreadyExecuted {
		if r = strings.ToLower(strings.TrimSpace(r)); r != "" {
			reasons = append(reasons, r)
		}
	}
	return sendErrorClassifier{chain: chain, alreadyExecuted: reasons}
}

func (c sendErrorClassifier) isKnownTx(err error) bool {
	return err != nil && containsAny(strings.ToLower(err.Error()), knownTxMessages)
}

// classify wraps err as ALREADY_EXECUTED, FATAL_SEND or TRANSIENT_SEND.
// Unrecognized errors are transient; the retry budget bounds them.
func (c sendErrorClassifier) classify(stage string, err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())

	switch {
	case containsAny(msg, c.alreadyExecuted):
		return relayerrors.NewAlreadyExecutedError(c.chain, stage+": unlock already executed", err)
	case relayerrors.IsTransientMessage(msg):
		return relayerrors.NewTransientSendError(c.chain, stage+" failed", err)
	case containsAny(msg, fatalSendMessages):
		return relayerrors.NewFatalSendError(c.chain, stage+" rejected", err)
	default:
		return relayerrors.NewTransientSendError(c.chain, stage+" failed", err)
	}
}

func containsAny(s string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}
