/*
Package rsync supervises the rsync passes that copy one source directory to
its destination.

A Runner repeats a pass every poll interval until it is stopped. Each pass is
a single rsync process started with itemised output, so every file that is
copied shows up as one line on stdout:

	>f+++++++++ 4194304 Images-Disc1/GridSquare_1/Data/FoilHole_1_fractions.tiff

These lines are parsed into FileTransferred events. Files that rsync couldn't
read, typically because the microscope was still writing them or deleted
them mid-pass, are reported on stderr and become FileSkipped events. rsync
exits with code 23 or 24 in that case, which isn't treated as a failure: the
file is picked up again by the next pass.

Any other non-zero exit code that wasn't caused by Stop ends the loop with an
Exited event. The runner never restarts itself. It's up to the owner to
decide whether to restart it.
*/
package rsync
