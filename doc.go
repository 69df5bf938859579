package yugabytedb

/*
This module contains the hybrid-time MVCC machinery used by a tablet
replica of a distributed database to decide when a consistent read is
safe. Writers are assigned hybrid timestamps before their operations are
proposed to replication; readers compute the safe time, the highest
hybrid time at which no operation with an equal or lower timestamp can
still be undecided.

The module is organized into the following packages:

  - `hybridtime`: the 64-bit hybrid timestamp domain (physical
    microseconds plus a logical tie-breaking counter).
  - `clock`: clocks handing out hybrid timestamps. `HybridClock` follows
    the wall clock and never goes backwards; `LogicalClock` is the
    deterministic clock used in tests.
  - `mvcc`: the safe-time engine. Tracks pending operations, computes the
    safe time under a leader lease or a propagated follower bound, and
    parks readers until their requested read time becomes safe.
  - `tablet`: per-replica glue tying the clock, the MVCC manager and the
    hybrid-time leader lease together behind leader/follower entry
    points for the replication layer.
  - `config`: TOML-loadable tuning knobs shared by the above.

The replication layer itself (consensus, the log, role election) is not
part of this module; it drives these packages through the `tablet.Peer`
surface.
*/
