/*
Package state contains a state machine, contained in the Channel type, for
managing one bilateral HTLC payment channel between an owner and an
intermediary.

The Channel holds a log of agreed states. Every state after the genesis state
is in the log only once both participants have signed the hash of its
canonical encoding. The Channel type once constructed contains functions for
two transitions:
- Add: Locking a payment to the other participant behind a hash lock.
- Unlock: Releasing a locked payment by revealing the preimage of its hash lock.

Both transitions are broken up into three steps:
- Propose: Called by the proposer to create the next state (AddHTLC,
AddForwardedHTLC, UnlockHTLC).
- Confirm: Called by the counterparty to check and countersign the proposed
state (ConfirmAddHTLC, ConfirmUnlockHTLC).
- Commit: Called by the proposer with the counterparty's signature.

	+-----------+      +--------------+
	| Proposer  |      | Counterparty |
	+-----+-----+      +------+-------+
	      |                   |
	   Propose                |
	      +------------------>+
	      |                Confirm
	      +<------------------+
	   Commit                 |
	      |                   |

The primitives in this package are safe for concurrent use, however two
proposals built from the same agreed state cannot both be committed. Callers
that propose must serialize their round trips on a channel.
*/
package state
