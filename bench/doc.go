// Package bench assembles instrument sessions from a declarative YAML bench
// description.
//
// A bench file names each instrument and describes how to reach it: a tagged
// transport block (kind tcpip, rs232 or gpib), engine settings such as the
// read timeout and line terminator, and an optional list of setup commands
// that run right after the session opens. GPIB instruments name the Prologix
// controller they sit behind; instruments whose controllers share one link
// target share one controller.
//
//	instruments:
//	  psu:
//	    transport:
//	      kind: rs232
//	      device: /dev/ttyUSB0
//	      baud_rate: 9600
//	      flow_control: hardware
//	    init:
//	      - "*CLS"
//	      - "SYSTem:REMote"
//	  counter:
//	    transport:
//	      kind: gpib
//	      address: 9
//	      controller:
//	        link:
//	          kind: tcpip
//	          host: 192.0.2.20
//	          port: 1234
//
// Open builds the transports, opens one Session per instrument and runs the
// init commands; Session hands out the named sessions afterwards.
package bench
