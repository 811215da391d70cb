package evm

// ContractsABI covers the destination xCall contract and the voting dapp.
const ContractsABI = `[
 {"type":"event","name":"CallMessage","anonymous":false,"inputs":[
  {"name":"_from","type":"string","indexed":true},
  {"name":"_to","type":"string","indexed":true},
  {"name":"_sn","type":"uint256","indexed":true},
  {"name":"_reqId","type":"uint256","indexed":false},
  {"name":"_data","type":"bytes","indexed":false}]},
 {"type":"event","name":"CallExecuted","anonymous":false,"inputs":[
  {"name":"_reqId","type":"uint256","indexed":true},
  {"name":"_code","type":"int256","indexed":false},
  {"name":"_msg","type":"string","indexed":false}]},
 {"type":"event","name":"ResponseMessage","anonymous":false,"inputs":[
  {"name":"_sn","type":"uint256","indexed":true},
  {"name":"_code","type":"int256","indexed":false},
  {"name":"_msg","type":"string","indexed":false}]},
 {"type":"event","name":"RollbackMessage","anonymous":false,"inputs":[
  {"name":"_sn","type":"uint256","indexed":true}]},
 {"type":"function","name":"executeCall","stateMutability":"nonpayable","inputs":[
  {"name":"_reqId","type":"uint256"},
  {"name":"_data","type":"bytes"}],"outputs":[]},
 {"type":"function","name":"executeRollback","stateMutability":"nonpayable","inputs":[
  {"name":"_sn","type":"uint256"}],"outputs":[]},
 {"type":"function","name":"getFee","stateMutability":"view","inputs":[
  {"name":"_net","type":"string"},
  {"name":"_rollback","type":"bool"}],"outputs":[{"name":"","type":"uint256"}]},
 {"type":"function","name":"getVotes","stateMutability":"view","inputs":[],"outputs":[
  {"name":"yes","type":"uint256"},
  {"name":"no","type":"uint256"}]},
 {"type":"function","name":"voteYes","stateMutability":"payable","inputs":[],"outputs":[]},
 {"type":"function","name":"voteNo","stateMutability":"payable","inputs":[],"outputs":[]}
]`
