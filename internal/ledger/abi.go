package ledger

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// Contract method and event names.
const (
	MethodCreateProposal       = "createProposal"
	MethodVote                 = "vote"
	MethodChangeVote           = "changeVote"
	MethodUpdateProposalStatus = "updateProposalStatus"
	MethodGetProposal          = "getProposal"
	MethodGetUserVote          = "getUserVote"
	MethodGetProposalCount     = "getProposalCount"
	MethodOwner                = "owner"

	EventProposalCreated = "ProposalCreated"
)

// GovernanceABI is the JSON ABI of the governance contract.
const GovernanceABI = `[
  {"type":"function","name":"createProposal","stateMutability":"nonpayable",
   "inputs":[{"name":"title","type":"string"},{"name":"description","type":"string"},{"name":"startTime","type":"uint256"},{"name":"endTime","type":"uint256"}],
   "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"vote","stateMutability":"nonpayable",
   "inputs":[{"name":"proposalId","type":"uint256"},{"name":"voteType","type":"uint8"}],"outputs":[]},
  {"type":"function","name":"changeVote","stateMutability":"nonpayable",
   "inputs":[{"name":"proposalId","type":"uint256"},{"name":"newVoteType","type":"uint8"}],"outputs":[]},
  {"type":"function","name":"updateProposalStatus","stateMutability":"nonpayable",
   "inputs":[{"name":"proposalId","type":"uint256"},{"name":"status","type":"uint8"}],"outputs":[]},
  {"type":"function","name":"getProposal","stateMutability":"view",
   "inputs":[{"name":"proposalId","type":"uint256"}],
   "outputs":[{"name":"id","type":"uint256"},{"name":"title","type":"string"},{"name":"description","type":"string"},
              {"name":"proposer","type":"address"},{"name":"startTime","type":"uint256"},{"name":"endTime","type":"uint256"},
              {"name":"upvotes","type":"uint256"},{"name":"downvotes","type":"uint256"},{"name":"abstains","type":"uint256"},
              {"name":"status","type":"uint8"}]},
  {"type":"function","name":"getUserVote","stateMutability":"view",
   "inputs":[{"name":"proposalId","type":"uint256"},{"name":"voter","type":"address"}],
   "outputs":[{"name":"voteType","type":"uint8"},{"name":"voted","type":"bool"}]},
  {"type":"function","name":"getProposalCount","stateMutability":"view","inputs":[],
   "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"owner","stateMutability":"view","inputs":[],
   "outputs":[{"name":"","type":"address"}]},
  {"type":"event","name":"ProposalCreated","anonymous":false,
   "inputs":[{"name":"id","type":"uint256","indexed":true},{"name":"proposer","type":"address","indexed":true},
             {"name":"title","type":"string","indexed":false},{"name":"startTime","type":"uint256","indexed":false},
             {"name":"endTime","type":"uint256","indexed":false}]},
  {"type":"event","name":"VoteCast","anonymous":false,
   "inputs":[{"name":"proposalId","type":"uint256","indexed":true},{"name":"voter","type":"address","indexed":true},
             {"name":"voteType","type":"uint8","indexed":false}]},
  {"type":"event","name":"ProposalStatusUpdated","anonymous":false,
   "inputs":[{"name":"proposalId","type":"uint256","indexed":true},{"name":"status","type":"uint8","indexed":false}]}
]`

var parsedABI abi.ABI

func init() {
	var err error
	parsedABI, err = abi.JSON(strings.NewReader(GovernanceABI))
	if err != nil {
		panic(err)
	}
}

// ContractABI returns the parsed governance contract ABI.
func ContractABI() abi.ABI {
	return parsedABI
}
